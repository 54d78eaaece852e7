package slip

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncode_EmptyData(t *testing.T) {
	result := Encode(nil)
	expected := []byte{End, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(nil) = %v, want %v", result, expected)
	}

	result = Encode([]byte{})
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode([]) = %v, want %v", result, expected)
	}
}

func TestEncode_NoSpecialBytes(t *testing.T) {
	input := []byte{0x01, 0x02, 0x03, 0x04}
	result := Encode(input)
	expected := []byte{End, 0x01, 0x02, 0x03, 0x04, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeEndByte(t *testing.T) {
	input := []byte{0x01, End, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEnd, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_EscapeEscByte(t *testing.T) {
	input := []byte{0x01, Esc, 0x03}
	result := Encode(input)
	expected := []byte{End, 0x01, Esc, EscEsc, 0x03, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_MultipleSpecialBytes(t *testing.T) {
	input := []byte{End, Esc, End, Esc}
	result := Encode(input)
	expected := []byte{End, Esc, EscEnd, Esc, EscEsc, Esc, EscEnd, Esc, EscEsc, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestEncode_AllSpecialBytes(t *testing.T) {
	// Test data that's all special bytes
	input := []byte{End, End, Esc, Esc}
	result := Encode(input)
	expected := []byte{End, Esc, EscEnd, Esc, EscEnd, Esc, EscEsc, Esc, EscEsc, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(%v) = %v, want %v", input, result, expected)
	}
}

func TestDecode_ValidFrame(t *testing.T) {
	frame := []byte{End, 0x01, 0x02, 0x03, End}
	result, err := Decode(frame)
	expected := []byte{0x01, 0x02, 0x03}
	if err != nil || !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, %v, want %v", frame, result, err, expected)
	}
}

func TestDecode_Unescape(t *testing.T) {
	tests := []struct {
		frame    []byte
		expected []byte
	}{
		{[]byte{End, 0x01, Esc, EscEnd, 0x03, End}, []byte{0x01, End, 0x03}},
		{[]byte{End, 0x01, Esc, EscEsc, 0x03, End}, []byte{0x01, Esc, 0x03}},
		{[]byte{End, End, End, 0x01, 0x02, End}, []byte{0x01, 0x02}},
		{[]byte{End, 0x01, 0x02, End, End, End}, []byte{0x01, 0x02}},
		{[]byte{0x01, 0x02}, []byte{0x01, 0x02}},
	}

	for _, tt := range tests {
		result, err := Decode(tt.frame)
		if err != nil || !bytes.Equal(result, tt.expected) {
			t.Errorf("Decode(%v) = %v, %v, want %v", tt.frame, result, err, tt.expected)
		}
	}
}

func TestDecode_EmptyFrame(t *testing.T) {
	for _, frame := range [][]byte{nil, {End}, {End, End}} {
		result, err := Decode(frame)
		if err != nil || len(result) != 0 {
			t.Errorf("Decode(%v) = %v, %v, want empty", frame, result, err)
		}
	}
}

func TestDecode_BadEscape(t *testing.T) {
	for _, frame := range [][]byte{
		{End, 0x01, Esc, 0xFF, 0x03, End},
		{End, 0x01, Esc, End},
	} {
		if _, err := Decode(frame); !errors.Is(err, ErrBadEscape) {
			t.Errorf("Decode(%v) error = %v, want %v", frame, err, ErrBadEscape)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		{End},
		{Esc},
		{End, Esc},
		{0x00, End, 0x00, Esc, 0x00},
		{0xFF, 0xFE, 0xFD},
		make([]byte, 256),
	}

	for i, tc := range testCases {
		decoded, err := Decode(Encode(tc))
		if err != nil || !bytes.Equal(decoded, tc) {
			t.Errorf("Case %d: RoundTrip(%v) = %v, %v", i, tc, decoded, err)
		}
	}
}

func TestAppendEncode_KeepsPrefix(t *testing.T) {
	result := AppendEncode([]byte{0xAA}, []byte{0x01})
	expected := []byte{0xAA, End, 0x01, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("AppendEncode = %v, want %v", result, expected)
	}
}

func TestReader_MultipleFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode([]byte{0x01, End})...)
	stream = append(stream, End, End)
	stream = append(stream, Encode([]byte{Esc, 0x02})...)

	r := NewReader(bytes.NewReader(stream), 0)

	frame, err := r.ReadFrame()
	if err != nil || !bytes.Equal(frame, []byte{0x01, End}) {
		t.Errorf("first frame = %v, %v", frame, err)
	}
	frame, err = r.ReadFrame()
	if err != nil || !bytes.Equal(frame, []byte{Esc, 0x02}) {
		t.Errorf("second frame = %v, %v", frame, err)
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame at end error = %v, want io.EOF", err)
	}
}

func TestReader_IncompleteFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{End, 0x01, 0x02}), 0)
	if _, err := r.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFrame error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReader_LeadingGarbage(t *testing.T) {
	// Line noise before the first END arrives as its own frame.
	r := NewReader(bytes.NewReader([]byte{0x01, 0x02, End, 0x03, 0x04, End}), 0)

	frame, err := r.ReadFrame()
	if err != nil || !bytes.Equal(frame, []byte{0x01, 0x02}) {
		t.Errorf("garbage frame = %v, %v", frame, err)
	}
	frame, err = r.ReadFrame()
	if err != nil || !bytes.Equal(frame, []byte{0x03, 0x04}) {
		t.Errorf("frame = %v, %v", frame, err)
	}
}

func TestReader_BadEscapeResyncs(t *testing.T) {
	stream := []byte{End, 0x01, Esc, 0x42, 0x05, End, 0x07, End}
	r := NewReader(bytes.NewReader(stream), 0)

	if _, err := r.ReadFrame(); !errors.Is(err, ErrBadEscape) {
		t.Errorf("ReadFrame error = %v, want %v", err, ErrBadEscape)
	}
	frame, err := r.ReadFrame()
	if err != nil || !bytes.Equal(frame, []byte{0x07}) {
		t.Errorf("frame after bad escape = %v, %v", frame, err)
	}
}

func TestReader_FrameTooLarge(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode([]byte{1, 2, 3, 4, 5})...)
	stream = append(stream, Encode([]byte{6})...)
	r := NewReader(bytes.NewReader(stream), 4)

	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame error = %v, want %v", err, ErrFrameTooLarge)
	}
	frame, err := r.ReadFrame()
	if err != nil || !bytes.Equal(frame, []byte{6}) {
		t.Errorf("frame after oversize = %v, %v", frame, err)
	}
}

func TestReader_FrameTooLargeAtEscapedEnd(t *testing.T) {
	stream := []byte{End, 0x01, 0x01, Esc, EscEnd, 0x02, 0xAA, End, End, 0x05, End}
	r := NewReader(bytes.NewReader(stream), 2)

	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame error = %v, want %v", err, ErrFrameTooLarge)
	}
	frame, err := r.ReadFrame()
	if err != nil || !bytes.Equal(frame, []byte{0x05}) {
		t.Errorf("frame after oversize = %v, %v, want [5]", frame, err)
	}
}

func TestWriter_WriteFrame(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)

	if err := w.WriteFrame([]byte{0x01, End}); err != nil {
		t.Fatalf("WriteFrame error = %v", err)
	}
	if err := w.WriteFrame([]byte{0x02}); err != nil {
		t.Fatalf("WriteFrame error = %v", err)
	}

	expected := []byte{End, 0x01, Esc, EscEnd, End, End, 0x02, End}
	if !bytes.Equal(out.Bytes(), expected) {
		t.Errorf("written = %v, want %v", out.Bytes(), expected)
	}
}
