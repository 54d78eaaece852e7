package link

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/service"
	"github.com/bigbag/papyrix-ota/internal/slip"
)

// Submitter is the part of service.Service a Device drives.
type Submitter interface {
	Submit(ctx context.Context, ev service.Event) error
	Status() protocol.Status
}

// Device is the daemon end of the link. It turns incoming frames into
// service events and publishes status frames back.
type Device struct {
	conn io.ReadWriteCloser
	r    *slip.Reader
	w    *slip.Writer
	svc  Submitter
	log  logrus.FieldLogger
}

var _ service.Publisher = (*Device)(nil)

// NewDevice serves svc over conn.
func NewDevice(conn io.ReadWriteCloser, svc Submitter, opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Device{
		conn: conn,
		r:    slip.NewReader(conn, MaxFrame),
		w:    slip.NewWriter(conn),
		svc:  svc,
		log:  o.log,
	}
}

// PublishStatus sends status on the status channel.
func (d *Device) PublishStatus(status protocol.Status) error {
	return d.send(ChannelStatus, status.Encode())
}

// Run reads frames until ctx is cancelled or the line closes. Cancelling
// ctx closes conn. A closed line counts as a client disconnect.
func (d *Device) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.conn.Close()
	})
	defer stop()

	d.log.Info("serial link serving")
	for {
		raw, err := d.r.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == slip.ErrBadEscape || err == slip.ErrFrameTooLarge {
				d.log.WithError(err).Warn("dropping malformed frame")
				continue
			}
			if subErr := d.svc.Submit(ctx, service.Disconnected()); subErr != nil {
				d.log.WithError(subErr).Warn("unable to reset after link loss")
			}
			return errors.Wrap(err, "read link")
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			continue
		}
		if err := d.dispatch(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == service.ErrStopped {
				return err
			}
		}
	}
}

func (d *Device) dispatch(ctx context.Context, frame Frame) error {
	log := d.log.WithField("channel", frame.Channel.String())

	var ev service.Event
	switch frame.Channel {
	case ChannelControl:
		ev = service.Control(frame.Payload)
	case ChannelData:
		ev = service.Data(frame.Payload)
	case ChannelConnect:
		ev = service.Connected()
	case ChannelDisconnect:
		ev = service.Disconnected()
	case ChannelQuery:
		return d.PublishStatus(d.svc.Status())
	default:
		log.Debug("ignoring frame")
		return nil
	}

	err := d.svc.Submit(ctx, ev)
	if err != nil {
		log.WithError(err).Debug("write rejected")
	}
	return err
}

func (d *Device) send(ch Channel, payload []byte) error {
	if err := d.w.WriteFrame(Frame{Channel: ch, Payload: payload}.Encode()); err != nil {
		return errors.Wrapf(err, "write %s frame", ch)
	}
	return nil
}
