// Package slip frames byte messages on a serial stream (RFC 1055).
package slip

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// DefaultMaxFrame bounds a decoded frame when the reader is given no limit.
const DefaultMaxFrame = 4096

var (
	// ErrBadEscape is returned for an escape byte followed by anything other
	// than EscEnd or EscEsc.
	ErrBadEscape = errors.New("slip: invalid escape sequence")

	// ErrFrameTooLarge is returned when a frame exceeds the reader limit.
	// The rest of the frame is discarded.
	ErrFrameTooLarge = errors.New("slip: frame too large")
)

// Encode wraps data in SLIP framing, with an END byte on both sides.
func Encode(data []byte) []byte {
	return AppendEncode(make([]byte, 0, len(data)+8), data)
}

// AppendEncode appends the framed form of data to dst.
func AppendEncode(dst, data []byte) []byte {
	dst = append(dst, End)
	for _, b := range data {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// Decode returns the payload of one frame. Leading and trailing END bytes
// are optional.
func Decode(frame []byte) ([]byte, error) {
	start, end := 0, len(frame)
	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}

	out := make([]byte, 0, end-start)
	for i := start; i < end; i++ {
		b := frame[i]
		if b != Esc {
			out = append(out, b)
			continue
		}
		i++
		if i == end {
			return nil, ErrBadEscape
		}
		switch frame[i] {
		case EscEnd:
			out = append(out, End)
		case EscEsc:
			out = append(out, Esc)
		default:
			return nil, ErrBadEscape
		}
	}
	return out, nil
}

// Reader reads frames from a byte stream. Empty frames are skipped.
type Reader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewReader returns a Reader that rejects frames larger than max bytes.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Reader{r: bufio.NewReader(r), max: max}
}

// ReadFrame returns the next decoded frame. The slice is valid until the
// next call. A stream ending mid-frame yields io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	r.buf = r.buf[:0]
	escaped := false
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(r.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if escaped {
			escaped = false
			switch b {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			default:
				r.discard(b == End)
				return nil, ErrBadEscape
			}
		} else {
			switch b {
			case End:
				if len(r.buf) > 0 {
					return r.buf, nil
				}
				continue
			case Esc:
				escaped = true
				continue
			}
		}

		if len(r.buf) == r.max {
			r.discard(false)
			return nil, ErrFrameTooLarge
		}
		r.buf = append(r.buf, b)
	}
}

// discard drops input up to the END that closes the current frame. closed
// reports that the wire END has already been read.
func (r *Reader) discard(closed bool) {
	r.buf = r.buf[:0]
	if closed {
		return
	}
	for {
		b, err := r.r.ReadByte()
		if err != nil || b == End {
			return
		}
	}
}

// Writer writes whole frames. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes data as one frame and writes it in a single call.
func (w *Writer) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = AppendEncode(w.buf[:0], data)
	_, err := w.w.Write(w.buf)
	return err
}
