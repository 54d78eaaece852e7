package link

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/serial"
	"github.com/bigbag/papyrix-ota/internal/slip"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("link closed")

// Client is the sender end of the link.
type Client struct {
	conn     io.ReadWriteCloser
	w        *slip.Writer
	log      logrus.FieldLogger
	statuses chan protocol.Status
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Dial opens portName and announces a connection to the device.
func Dial(portName string, baudRate int, opts ...Option) (*Client, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	c := NewClient(port, opts...)
	if err := c.send(context.Background(), ChannelConnect, nil); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewClient starts reading status frames from conn.
func NewClient(conn io.ReadWriteCloser, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		conn:     conn,
		w:        slip.NewWriter(conn),
		log:      o.log,
		statuses: make(chan protocol.Status, o.statusBuf),
		done:     make(chan struct{}),
	}
	go c.readLoop(slip.NewReader(conn, MaxFrame))
	return c
}

// WriteControl writes a control command.
func (c *Client) WriteControl(ctx context.Context, value []byte) error {
	return c.send(ctx, ChannelControl, value)
}

// WriteData writes a header or chunk.
func (c *Client) WriteData(ctx context.Context, value []byte) error {
	return c.send(ctx, ChannelData, value)
}

// Query asks the device to send its current status.
func (c *Client) Query(ctx context.Context) error {
	return c.send(ctx, ChannelQuery, nil)
}

// Statuses returns the stream of status notifications. It is closed when
// the line closes.
func (c *Client) Statuses() <-chan protocol.Status {
	return c.statuses
}

// Close announces a disconnect and closes the line.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
		default:
			if err := c.w.WriteFrame(Frame{Channel: ChannelDisconnect}.Encode()); err != nil {
				c.log.WithError(err).Debug("unable to announce disconnect")
			}
		}
		c.closeErr = c.conn.Close()
	})
	<-c.done
	return c.closeErr
}

func (c *Client) send(ctx context.Context, ch Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.w.WriteFrame(Frame{Channel: ch, Payload: payload}.Encode()); err != nil {
		return errors.Wrapf(err, "write %s frame", ch)
	}
	return nil
}

func (c *Client) readLoop(r *slip.Reader) {
	defer close(c.done)
	defer close(c.statuses)

	for {
		raw, err := r.ReadFrame()
		if err != nil {
			if err == slip.ErrBadEscape || err == slip.ErrFrameTooLarge {
				continue
			}
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil || frame.Channel != ChannelStatus {
			continue
		}
		status, err := protocol.DecodeStatus(frame.Payload)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed status")
			continue
		}
		c.push(status)
	}
}

// push queues status, dropping the oldest entry when the reader is behind.
func (c *Client) push(status protocol.Status) {
	for {
		select {
		case c.statuses <- status:
			return
		default:
		}
		select {
		case <-c.statuses:
			c.log.Debug("status queue full, dropping oldest")
		default:
		}
	}
}
