// Package sender uploads a firmware image to a device running the OTA
// service, over any link that exposes the control, data and status
// characteristics.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/protocol"
)

// Default timeouts
const (
	DefaultStatusTimeout   = 5 * time.Second
	DefaultCompleteTimeout = 30 * time.Second
)

var (
	// ErrDeviceError is returned when the device reports the Error state.
	ErrDeviceError = errors.New("device reported error")

	// ErrLinkClosed is returned when the status stream ends.
	ErrLinkClosed = errors.New("link closed")
)

// Link carries writes to the device and its status notifications.
type Link interface {
	WriteControl(ctx context.Context, value []byte) error
	WriteData(ctx context.Context, value []byte) error
	Statuses() <-chan protocol.Status
	Close() error
}

// ProgressCallback is called to report upload progress in bytes.
type ProgressCallback func(current, total int)

// Uploader handles uploading firmware to one device.
type Uploader struct {
	link            Link
	chunkSize       int
	checksum        bool
	writeDelay      time.Duration
	statusTimeout   time.Duration
	completeTimeout time.Duration
	progress        ProgressCallback
	log             logrus.FieldLogger

	// last is the most recent state reported by the device.
	last ota.State
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithChunkSize sets the payload bytes per chunk.
func WithChunkSize(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.chunkSize = n
		}
	}
}

// WithChecksum enables or disables sending the image CRC in the header.
// Default is true; a zero checksum tells the device to skip verification.
func WithChecksum(enabled bool) Option {
	return func(u *Uploader) {
		u.checksum = enabled
	}
}

// WithWriteDelay pauses between chunk writes, for links without flow
// control.
func WithWriteDelay(d time.Duration) Option {
	return func(u *Uploader) {
		u.writeDelay = d
	}
}

// WithStatusTimeout sets how long to wait for Ready and InProgress.
func WithStatusTimeout(d time.Duration) Option {
	return func(u *Uploader) {
		u.statusTimeout = d
	}
}

// WithCompleteTimeout sets how long to wait for Complete after the last
// chunk.
func WithCompleteTimeout(d time.Duration) Option {
	return func(u *Uploader) {
		u.completeTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(u *Uploader) {
		u.log = log
	}
}

// New creates a new Uploader on link.
func New(link Link, opts ...Option) *Uploader {
	u := &Uploader{
		link:            link,
		chunkSize:       protocol.ChunkPayloadSize(protocol.DefaultMTU),
		checksum:        true,
		statusTimeout:   DefaultStatusTimeout,
		completeTimeout: DefaultCompleteTimeout,
		log:             logging.Discard(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SetProgressCallback sets the progress callback function.
func (u *Uploader) SetProgressCallback(cb ProgressCallback) {
	u.progress = cb
}

// reportProgress calls the progress callback if set.
func (u *Uploader) reportProgress(current, total int) {
	if u.progress != nil {
		u.progress(current, total)
	}
}

// Upload sends image as firmware version and waits for the device to
// commit it. On failure the device is told to abort.
func (u *Uploader) Upload(ctx context.Context, image []byte, version uint32) (err error) {
	if len(image) == 0 {
		return fmt.Errorf("image is empty")
	}
	if uint64(len(image)) > uint64(^uint32(0)) {
		return fmt.Errorf("image of %d bytes is too large", len(image))
	}

	defer func() {
		if err != nil {
			u.abort()
		}
	}()

	u.drain()
	u.last = ota.StateIdle

	if err := u.link.WriteControl(ctx, protocol.CommandStart.Bytes()); err != nil {
		return fmt.Errorf("failed to send start: %w", err)
	}
	if err := u.waitFor(ctx, ota.StateReady, u.statusTimeout); err != nil {
		return fmt.Errorf("device not ready: %w", err)
	}

	var checksum uint32
	if u.checksum {
		checksum = protocol.Checksum(image)
	}
	header := protocol.NewHeader(version, uint32(len(image)), uint32(u.chunkSize), checksum)
	if err := u.link.WriteData(ctx, header.Encode()); err != nil {
		return fmt.Errorf("failed to send header: %w", err)
	}
	if err := u.waitFor(ctx, ota.StateInProgress, u.statusTimeout); err != nil {
		return fmt.Errorf("header rejected: %w", err)
	}

	u.log.WithFields(logrus.Fields{
		"size":       len(image),
		"chunk_size": u.chunkSize,
		"version":    version,
		"checksum":   fmt.Sprintf("0x%08X", checksum),
	}).Info("sending image")

	if err := u.sendChunks(ctx, image); err != nil {
		return err
	}

	if err := u.waitFor(ctx, ota.StateComplete, u.completeTimeout); err != nil {
		return fmt.Errorf("update not completed: %w", err)
	}
	return nil
}

func (u *Uploader) sendChunks(ctx context.Context, image []byte) error {
	total := len(image)
	seq := uint32(0)

	var pace *rate.Limiter
	if u.writeDelay > 0 {
		pace = rate.NewLimiter(rate.Every(u.writeDelay), 1)
	}

	for offset := 0; offset < total; offset += u.chunkSize {
		end := offset + u.chunkSize
		if end > total {
			end = total
		}
		if pace != nil {
			if err := pace.Wait(ctx); err != nil {
				return fmt.Errorf("chunk %d: %w", seq, err)
			}
		}

		chunk := protocol.NewChunk(seq, image[offset:end])
		if err := u.link.WriteData(ctx, chunk.Encode()); err != nil {
			return fmt.Errorf("chunk %d failed: %w", seq, err)
		}
		if err := u.checkError(); err != nil {
			return fmt.Errorf("chunk %d: %w", seq, err)
		}

		u.reportProgress(end, total)
		seq++
	}
	return nil
}

// waitFor reads statuses until the device reaches want.
func (u *Uploader) waitFor(ctx context.Context, want ota.State, timeout time.Duration) error {
	if u.last == want {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timeout waiting for %s", want)
		case status, ok := <-u.link.Statuses():
			if !ok {
				return ErrLinkClosed
			}
			state := ota.State(status.State)
			u.last = state
			u.log.WithFields(logrus.Fields{
				"state":    state.String(),
				"progress": status.Progress,
			}).Debug("device status")
			if state == want {
				return nil
			}
			if state == ota.StateError {
				return ErrDeviceError
			}
		}
	}
}

// checkError consumes queued statuses without blocking.
func (u *Uploader) checkError() error {
	for {
		select {
		case status, ok := <-u.link.Statuses():
			if !ok {
				return ErrLinkClosed
			}
			u.last = ota.State(status.State)
			if u.last == ota.StateError {
				return ErrDeviceError
			}
		default:
			return nil
		}
	}
}

// drain discards statuses left from a previous session.
func (u *Uploader) drain() {
	for {
		select {
		case _, ok := <-u.link.Statuses():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (u *Uploader) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := u.link.WriteControl(ctx, protocol.CommandAbort.Bytes()); err != nil {
		u.log.WithError(err).Warn("unable to send abort")
		return
	}
	u.log.Info("update aborted")
}
