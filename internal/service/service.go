// Package service routes transport events into the update state machine and
// reports the resulting status to every attached publisher.
package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/protocol"
)

const defaultQueueSize = 16

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("service stopped")

// Publisher receives the status record after each control or data event.
type Publisher interface {
	PublishStatus(status protocol.Status) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(protocol.Status) error

// PublishStatus calls f.
func (f PublisherFunc) PublishStatus(status protocol.Status) error {
	return f(status)
}

type request struct {
	event Event
	done  chan error
}

// Service owns an ota.Machine. Run is the only goroutine that touches the
// machine; transports hand it events through Submit.
type Service struct {
	machine   *ota.Machine
	log       logrus.FieldLogger
	requests  chan request
	stopped   chan struct{}
	onConnect func()

	mu         sync.Mutex
	publishers []Publisher

	snapshot atomic.Pointer[ota.Snapshot]
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithPublisher attaches publishers at construction.
func WithPublisher(p ...Publisher) Option {
	return func(s *Service) {
		s.publishers = append(s.publishers, p...)
	}
}

// WithConnectHook sets a function called from Run when a client connects.
func WithConnectHook(fn func()) Option {
	return func(s *Service) {
		s.onConnect = fn
	}
}

// WithQueueSize sets how many events may wait for Run.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.requests = make(chan request, n)
		}
	}
}

// New wraps machine in a Service.
func New(machine *ota.Machine, opts ...Option) *Service {
	if machine == nil {
		panic("machine cannot be nil")
	}

	s := &Service{
		machine:  machine,
		log:      logging.Discard(),
		requests: make(chan request, defaultQueueSize),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store()
	return s
}

// AddPublisher attaches p. It is safe to call while Run is active.
func (s *Service) AddPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, p)
}

// Submit queues ev and waits until Run has handled it. The returned error is
// the machine's error for that event, if any.
func (s *Service) Submit(ctx context.Context, ev Event) error {
	req := request{event: ev, done: make(chan error, 1)}

	select {
	case s.requests <- req:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles events until ctx is cancelled. On exit any partial update is
// abandoned. Run must be called once.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.stopped)

	s.log.Info("service started")
	for {
		select {
		case <-ctx.Done():
			s.machine.Reset()
			s.store()
			s.log.Info("service stopped")
			return nil
		case req := <-s.requests:
			req.done <- s.handle(req.event)
		}
	}
}

// Status returns the latest status record. Safe for concurrent use.
func (s *Service) Status() protocol.Status {
	snap := s.Snapshot()
	return protocol.Status{State: uint8(snap.State), Progress: snap.Progress}
}

// Snapshot returns the latest machine counters. Safe for concurrent use.
func (s *Service) Snapshot() ota.Snapshot {
	return *s.snapshot.Load()
}

func (s *Service) handle(ev Event) error {
	log := s.log.WithField("event", ev.Kind.String())

	var err error
	switch ev.Kind {
	case KindControl:
		err = s.control(log, ev.Payload)
	case KindData:
		err = s.data(log, ev.Payload)
	case KindConnect:
		log.Info("client connected")
		if s.onConnect != nil {
			s.onConnect()
		}
		return nil
	case KindDisconnect:
		log.Info("client disconnected, resetting update")
		s.machine.Reset()
		s.store()
		return nil
	default:
		log.Warn("ignoring unknown event")
		return nil
	}

	if err != nil {
		log.WithError(err).Warn("event rejected")
	}
	s.store()
	s.publish()
	return err
}

func (s *Service) control(log logrus.FieldLogger, payload []byte) error {
	cmd, ok := protocol.ParseCommand(payload)
	if !ok {
		log.WithField("value", string(payload)).Debug("ignoring unknown command")
		return nil
	}

	log.WithField("command", string(cmd)).Info("control command")
	switch cmd {
	case protocol.CommandStart:
		return s.machine.Begin()
	case protocol.CommandAbort:
		s.machine.Reset()
	}
	return nil
}

func (s *Service) data(log logrus.FieldLogger, payload []byte) error {
	switch state := s.machine.State(); state {
	case ota.StateReady:
		return s.machine.HandleHeader(payload)
	case ota.StateInProgress:
		return s.machine.HandleData(payload)
	default:
		log.WithFields(logrus.Fields{
			"state": state.String(),
			"bytes": len(payload),
		}).Debug("dropping data write")
		return nil
	}
}

func (s *Service) store() {
	snap := s.machine.Snapshot()
	s.snapshot.Store(&snap)
}

func (s *Service) publish() {
	status := s.machine.Status()

	s.mu.Lock()
	publishers := make([]Publisher, len(s.publishers))
	copy(publishers, s.publishers)
	s.mu.Unlock()

	var result *multierror.Error
	for _, p := range publishers {
		if err := p.PublishStatus(status); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "%T", p))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		s.log.WithError(err).Warn("unable to publish status")
	}
}
