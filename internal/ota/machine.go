// Package ota implements the firmware update state machine: it turns the
// header and chunk buffers arriving on the data channel into a staged image
// and selects it as the next boot image.
//
// Machine is not safe for concurrent use. Callers must serialize every
// method call, e.g. by routing transport events through a single goroutine.
package ota

import (
	"fmt"
	"hash"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/protocol"
)

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State            State
	Progress         uint8
	ReceivedBytes    uint32
	TotalBytes       uint32
	ExpectedSequence uint32
	Version          uint32
}

// Machine drives one update attempt at a time.
type Machine struct {
	stager Stager
	config Config
	log    logrus.FieldLogger

	state  State
	region Region
	header protocol.Header
	handle Handle
	crc    hash.Hash32

	received uint32
	total    uint32
	expected uint32
}

// New creates an idle Machine staging images through stager.
func New(stager Stager, opts ...Option) *Machine {
	if stager == nil {
		panic("stager cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Machine{
		stager: stager,
		config: cfg,
		log:    log,
		state:  StateIdle,
	}
}

// Begin prepares a new attempt by selecting the staging region.
func (m *Machine) Begin() error {
	if m.state != StateIdle {
		return m.wrongState("begin", StateIdle)
	}

	region, err := m.stager.NextRegion()
	if err != nil {
		m.log.WithError(err).Error("no staging region available")
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	m.region = region
	m.resetCounters()
	m.transition(StateReady)
	m.log.WithFields(logrus.Fields{
		"region":   region.Label,
		"capacity": region.Capacity,
	}).Info("update ready, waiting for header")
	return nil
}

// HandleHeader validates the update header and opens the staging write.
func (m *Machine) HandleHeader(data []byte) error {
	if m.state != StateReady {
		return m.wrongState("handle header", StateReady)
	}

	// Size errors are rejected before any state change.
	if len(data) != protocol.HeaderSize {
		return fmt.Errorf("%w: header is %d bytes, want %d", ErrInvalidSize, len(data), protocol.HeaderSize)
	}

	header, err := protocol.DecodeHeader(data)
	if err != nil {
		return m.fail("invalid header", err)
	}

	handle, err := m.stager.BeginWrite(m.region, header.FileSize)
	if err != nil {
		return m.fail("begin write failed", &StorageError{Op: "begin", Err: err})
	}

	m.header = *header
	m.handle = handle
	m.crc = protocol.NewChecksum()
	m.total = header.FileSize
	m.received = 0
	m.expected = 0
	m.transition(StateInProgress)

	m.log.WithFields(logrus.Fields{
		"version":    header.Version,
		"file_size":  header.FileSize,
		"chunk_size": header.ChunkSize,
		"checksum":   fmt.Sprintf("0x%08X", header.Checksum),
	}).Info("header accepted")
	return nil
}

// HandleData validates a chunk and appends its payload to the staged image.
// The chunk that completes the image triggers Finish.
func (m *Machine) HandleData(data []byte) error {
	if m.state != StateInProgress {
		return m.wrongState("handle data", StateInProgress)
	}

	if len(data) < protocol.ChunkHeaderSize {
		return fmt.Errorf("%w: chunk is %d bytes, minimum is %d", ErrInvalidSize, len(data), protocol.ChunkHeaderSize)
	}

	chunk, err := protocol.DecodeChunk(data)
	if err != nil {
		return m.fail("invalid chunk", err)
	}

	if chunk.Sequence != m.expected {
		return m.fail("invalid sequence number", &SequenceError{Expected: m.expected, Actual: chunk.Sequence})
	}

	if m.config.StrictBounds && uint64(m.received)+uint64(chunk.Size) > uint64(m.total) {
		return m.fail("chunk overruns image", fmt.Errorf("%w: chunk %d carries %d bytes, %d of %d remaining",
			ErrInvalidFormat, chunk.Sequence, chunk.Size, m.total-m.received, m.total))
	}

	if err := m.handle.Write(chunk.Payload); err != nil {
		return m.fail("write failed", &StorageError{Op: "write", Err: err})
	}
	m.crc.Write(chunk.Payload)

	m.received += chunk.Size
	m.expected++

	m.log.WithFields(logrus.Fields{
		"sequence": chunk.Sequence,
		"received": m.received,
		"total":    m.total,
	}).Debug("chunk written")

	if m.config.ProgressCallback != nil {
		m.config.ProgressCallback(m.Snapshot())
	}

	if m.received >= m.total {
		m.log.Info("all data received, finalizing update")
		m.transition(StateVerifying)
		if err := m.Finish(); err != nil {
			return err
		}
	}

	return nil
}

// Finish verifies and commits the staged image, then selects it for boot.
func (m *Machine) Finish() error {
	if m.state != StateVerifying {
		return m.wrongState("finish", StateVerifying)
	}

	if m.config.VerifyChecksum && m.header.Checksum != 0 {
		if actual := m.crc.Sum32(); actual != m.header.Checksum {
			return m.fail("image checksum mismatch", &ChecksumError{Expected: m.header.Checksum, Actual: actual})
		}
	}

	handle := m.handle
	m.handle = nil
	if err := handle.Commit(); err != nil {
		return m.fail("commit failed", &StorageError{Op: "commit", Err: err})
	}

	if err := m.stager.SelectBoot(m.region); err != nil {
		return m.fail("select boot region failed", &StorageError{Op: "select boot", Err: err})
	}

	m.transition(StateComplete)
	m.log.WithFields(logrus.Fields{
		"region":  m.region.Label,
		"version": m.header.Version,
		"bytes":   m.received,
	}).Info("update complete")
	return nil
}

// Reset abandons any attempt and returns to Idle. It is valid from every
// state and idempotent.
func (m *Machine) Reset() {
	m.abortHandle()
	if m.state != StateIdle {
		m.log.WithField("from", m.state.String()).Info("update reset")
	}
	m.state = StateIdle
	m.region = Region{}
	m.header = protocol.Header{}
	m.crc = nil
	m.resetCounters()
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Progress returns the percentage of the declared image received so far.
func (m *Machine) Progress() uint8 {
	if m.total == 0 {
		return 0
	}
	pct := uint64(m.received) * 100 / uint64(m.total)
	if pct > 100 {
		pct = 100
	}
	return uint8(pct)
}

// Status returns the two-byte status record for the status channel.
func (m *Machine) Status() protocol.Status {
	return protocol.Status{State: uint8(m.state), Progress: m.Progress()}
}

// Snapshot returns the current counters.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:            m.state,
		Progress:         m.Progress(),
		ReceivedBytes:    m.received,
		TotalBytes:       m.total,
		ExpectedSequence: m.expected,
		Version:          m.header.Version,
	}
}

// fail moves the machine to Error, releasing the staging write.
func (m *Machine) fail(msg string, err error) error {
	m.log.WithError(err).WithField("state", m.state.String()).Error(msg)
	m.abortHandle()
	m.transition(StateError)
	return err
}

func (m *Machine) abortHandle() {
	if m.handle != nil {
		m.handle.Abort()
		m.handle = nil
	}
}

func (m *Machine) wrongState(op string, required State) error {
	return &InvalidStateError{Op: op, Current: m.state, Required: required}
}

func (m *Machine) transition(to State) {
	m.log.WithFields(logrus.Fields{
		"from": m.state.String(),
		"to":   to.String(),
	}).Debug("state transition")
	m.state = to
}

func (m *Machine) resetCounters() {
	m.received = 0
	m.total = 0
	m.expected = 0
}
