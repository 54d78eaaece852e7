package ota

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-ota/internal/protocol"
)

func header(fileSize, checksum uint32) []byte {
	return protocol.NewHeader(1, fileSize, 8, checksum).Encode()
}

func chunk(seq uint32, payload []byte) []byte {
	return protocol.NewChunk(seq, payload).Encode()
}

func payload(n int, fill byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = fill + byte(i)
	}
	return p
}

// inProgress returns a machine that has accepted a header for fileSize bytes.
func inProgress(t *testing.T, stager *fakeStager, fileSize uint32, opts ...Option) *Machine {
	t.Helper()
	m := New(stager, opts...)
	require.NoError(t, m.Begin())
	require.NoError(t, m.HandleHeader(header(fileSize, 0)))
	require.Equal(t, StateInProgress, m.State())
	return m
}

func TestNew_NilStagerPanics(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

func TestBegin(t *testing.T) {
	m := New(newFakeStager())

	require.NoError(t, m.Begin())
	assert.Equal(t, StateReady, m.State())

	err := m.Begin()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateReady, m.State())
}

func TestBegin_NoRegion(t *testing.T) {
	stager := newFakeStager()
	stager.nextErr = errors.New("partition table empty")
	m := New(stager)

	err := m.Begin()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StateIdle, m.State())
}

func TestHandleHeader_Accepted(t *testing.T) {
	stager := newFakeStager()
	m := New(stager)
	require.NoError(t, m.Begin())

	require.NoError(t, m.HandleHeader(header(16, 0)))

	snap := m.Snapshot()
	assert.Equal(t, StateInProgress, snap.State)
	assert.Equal(t, uint32(0), snap.ExpectedSequence)
	assert.Equal(t, uint32(0), snap.ReceivedBytes)
	assert.Equal(t, uint32(16), snap.TotalBytes)
	assert.Equal(t, uint32(1), snap.Version)
	assert.Equal(t, []uint32{16}, stager.beginSizes)
}

func TestHandleHeader_WhileIdle(t *testing.T) {
	m := New(newFakeStager())

	err := m.HandleHeader(header(16, 0))

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StateIdle, stateErr.Current)
	assert.Equal(t, StateReady, stateErr.Required)
	assert.Equal(t, StateIdle, m.State())
}

func TestHandleHeader_WrongLength(t *testing.T) {
	m := New(newFakeStager())
	require.NoError(t, m.Begin())

	err := m.HandleHeader(header(16, 0)[:19])
	assert.ErrorIs(t, err, ErrInvalidSize)
	assert.Equal(t, StateReady, m.State())

	err = m.HandleHeader(append(header(16, 0), 0))
	assert.ErrorIs(t, err, ErrInvalidSize)
	assert.Equal(t, StateReady, m.State())
}

func TestHandleHeader_BadMagic(t *testing.T) {
	stager := newFakeStager()
	m := New(stager)
	require.NoError(t, m.Begin())

	h := protocol.NewHeader(1, 16, 8, 0)
	h.Magic = 0xDEADBEEF

	err := m.HandleHeader(h.Encode())
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, StateError, m.State())
	assert.Empty(t, stager.handles)
}

func TestHandleHeader_BeginWriteFails(t *testing.T) {
	cause := errors.New("image too large for partition")
	stager := newFakeStager()
	stager.beginErr = cause
	m := New(stager)
	require.NoError(t, m.Begin())

	err := m.HandleHeader(header(16, 0))
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateError, m.State())
}

func TestScenarioA_TwoChunksComplete(t *testing.T) {
	stager := newFakeStager()
	m := inProgress(t, stager, 16)

	first, second := payload(8, 0x00), payload(8, 0x10)
	require.NoError(t, m.HandleData(chunk(0, first)))
	assert.Equal(t, StateInProgress, m.State())
	assert.Equal(t, uint8(50), m.Progress())

	require.NoError(t, m.HandleData(chunk(1, second)))
	assert.Equal(t, StateComplete, m.State())
	assert.Equal(t, uint8(100), m.Progress())

	h := stager.lastHandle()
	assert.True(t, h.committed)
	assert.Equal(t, append(first, second...), h.data.Bytes())
	require.NotNil(t, stager.booted)
	assert.Equal(t, "slot_b", stager.booted.Label)
}

func TestScenarioB_SequenceMismatch(t *testing.T) {
	stager := newFakeStager()
	m := inProgress(t, stager, 16)
	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))

	err := m.HandleData(chunk(5, payload(8, 0)))

	var seqErr *SequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.ErrorIs(t, err, ErrSequenceMismatch)
	assert.Equal(t, uint32(1), seqErr.Expected)
	assert.Equal(t, uint32(5), seqErr.Actual)
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 1, stager.lastHandle().aborted)

	// No further chunks until reset + begin + header.
	err = m.HandleData(chunk(1, payload(8, 0)))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateError, m.State())
}

func TestScenarioC_HeaderWhileIdle(t *testing.T) {
	m := New(newFakeStager())

	err := m.HandleHeader(header(16, 0))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateIdle, m.State())
}

func TestScenarioD_BadMagicMovesToError(t *testing.T) {
	m := New(newFakeStager())
	require.NoError(t, m.Begin())

	h := protocol.Header{Magic: 0xDEADBEEF, Version: 1, FileSize: 16, ChunkSize: 8}
	err := m.HandleHeader(h.Encode())
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, StateError, m.State())
}

func TestHandleData_WrongState(t *testing.T) {
	m := New(newFakeStager())
	assert.ErrorIs(t, m.HandleData(chunk(0, payload(8, 0))), ErrInvalidState)

	require.NoError(t, m.Begin())
	assert.ErrorIs(t, m.HandleData(chunk(0, payload(8, 0))), ErrInvalidState)
	assert.Equal(t, StateReady, m.State())
}

func TestHandleData_ShortBufferKeepsState(t *testing.T) {
	m := inProgress(t, newFakeStager(), 16)

	err := m.HandleData([]byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidSize)
	assert.Equal(t, StateInProgress, m.State())
}

func TestHandleData_SizeExceedsBuffer(t *testing.T) {
	m := inProgress(t, newFakeStager(), 16)

	data := chunk(0, payload(4, 0))
	data[4] = 9 // declare more than the buffer carries

	err := m.HandleData(data)
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, StateError, m.State())
}

func TestHandleData_OverrunRejected(t *testing.T) {
	stager := newFakeStager()
	m := inProgress(t, stager, 10)
	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))

	err := m.HandleData(chunk(1, payload(8, 0)))
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 8, stager.lastHandle().data.Len())
}

func TestHandleData_OverrunAllowedWithoutStrictBounds(t *testing.T) {
	stager := newFakeStager()
	m := inProgress(t, stager, 10, WithStrictBounds(false))
	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))

	require.NoError(t, m.HandleData(chunk(1, payload(8, 0))))
	assert.Equal(t, StateComplete, m.State())
	assert.Equal(t, uint8(100), m.Progress())
	assert.Equal(t, 16, stager.lastHandle().data.Len())
}

func TestHandleData_WriteFails(t *testing.T) {
	stager := newFakeStager()
	m := inProgress(t, stager, 16)
	stager.writeErr = errors.New("flash write error")

	err := m.HandleData(chunk(0, payload(8, 0)))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 1, stager.lastHandle().aborted)
}

func TestHandleData_CommitFails(t *testing.T) {
	stager := newFakeStager()
	stager.commitErr = errors.New("image validation failed")
	m := inProgress(t, stager, 8)

	err := m.HandleData(chunk(0, payload(8, 0)))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, StateError, m.State())
	assert.Nil(t, stager.booted)
	// A committed handle is never aborted afterwards.
	assert.Equal(t, 0, stager.lastHandle().aborted)
}

func TestHandleData_SelectBootFails(t *testing.T) {
	stager := newFakeStager()
	stager.selectErr = errors.New("otadata write failed")
	m := inProgress(t, stager, 8)

	err := m.HandleData(chunk(0, payload(8, 0)))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, StateError, m.State())
}

func TestChecksum_Verified(t *testing.T) {
	image := payload(16, 0x40)
	stager := newFakeStager()
	m := New(stager)
	require.NoError(t, m.Begin())
	require.NoError(t, m.HandleHeader(header(16, protocol.Checksum(image))))

	require.NoError(t, m.HandleData(chunk(0, image[:8])))
	require.NoError(t, m.HandleData(chunk(1, image[8:])))
	assert.Equal(t, StateComplete, m.State())
}

func TestChecksum_Mismatch(t *testing.T) {
	image := payload(16, 0x40)
	stager := newFakeStager()
	m := New(stager)
	require.NoError(t, m.Begin())
	require.NoError(t, m.HandleHeader(header(16, protocol.Checksum(image)+1)))
	require.NoError(t, m.HandleData(chunk(0, image[:8])))

	err := m.HandleData(chunk(1, image[8:]))

	var sumErr *ChecksumError
	require.ErrorAs(t, err, &sumErr)
	assert.Equal(t, protocol.Checksum(image), sumErr.Actual)
	assert.Equal(t, StateError, m.State())
	assert.False(t, stager.lastHandle().committed)
	assert.Equal(t, 1, stager.lastHandle().aborted)
}

func TestChecksum_VerificationDisabled(t *testing.T) {
	stager := newFakeStager()
	m := New(stager, WithChecksumVerification(false))
	require.NoError(t, m.Begin())
	require.NoError(t, m.HandleHeader(header(8, 0x12345)))

	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))
	assert.Equal(t, StateComplete, m.State())
}

func TestFinish_WrongState(t *testing.T) {
	m := inProgress(t, newFakeStager(), 16)

	assert.ErrorIs(t, m.Finish(), ErrInvalidState)
	assert.Equal(t, StateInProgress, m.State())
}

func TestReset_Idempotent(t *testing.T) {
	m := New(newFakeStager())

	m.Reset()
	m.Reset()

	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, snap.ReceivedBytes)
	assert.Zero(t, snap.TotalBytes)
	assert.Zero(t, snap.ExpectedSequence)
	assert.Zero(t, m.Progress())
}

func TestReset_AbortsOpenWrite(t *testing.T) {
	stager := newFakeStager()
	m := inProgress(t, stager, 16)
	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))

	m.Reset()
	m.Reset()

	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, stager.lastHandle().aborted)
	assert.Zero(t, m.Snapshot().ReceivedBytes)
}

func TestReset_AfterErrorAllowsNewAttempt(t *testing.T) {
	stager := newFakeStager()
	m := inProgress(t, stager, 16)
	require.Error(t, m.HandleData(chunk(3, payload(8, 0))))
	require.Equal(t, StateError, m.State())

	assert.ErrorIs(t, m.Begin(), ErrInvalidState)

	m.Reset()
	require.NoError(t, m.Begin())
	require.NoError(t, m.HandleHeader(header(8, 0)))
	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))
	assert.Equal(t, StateComplete, m.State())
	assert.Len(t, stager.handles, 2)
}

func TestReset_FromComplete(t *testing.T) {
	m := inProgress(t, newFakeStager(), 8)
	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))
	require.Equal(t, StateComplete, m.State())

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
	assert.Zero(t, m.Progress())
}

func TestProgress_Monotonic(t *testing.T) {
	m := inProgress(t, newFakeStager(), 1000)

	last := m.Progress()
	assert.Zero(t, last)
	for seq := uint32(0); seq < 10; seq++ {
		require.NoError(t, m.HandleData(chunk(seq, payload(100, byte(seq)))))
		p := m.Progress()
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, uint8(100), last)
}

func TestStatus(t *testing.T) {
	m := inProgress(t, newFakeStager(), 16)
	require.NoError(t, m.HandleData(chunk(0, payload(4, 0))))

	assert.Equal(t, protocol.Status{State: 2, Progress: 25}, m.Status())
}

func TestProgressCallback(t *testing.T) {
	var seen []Snapshot
	m := inProgress(t, newFakeStager(), 16, WithProgressCallback(func(s Snapshot) {
		seen = append(seen, s)
	}))

	require.NoError(t, m.HandleData(chunk(0, payload(8, 0))))
	require.NoError(t, m.HandleData(chunk(1, payload(8, 0))))

	require.Len(t, seen, 2)
	assert.Equal(t, uint32(8), seen[0].ReceivedBytes)
	assert.Equal(t, uint32(1), seen[0].ExpectedSequence)
	assert.Equal(t, uint32(16), seen[1].ReceivedBytes)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateReady, "ready"},
		{StateInProgress, "in_progress"},
		{StateVerifying, "verifying"},
		{StateComplete, "complete"},
		{StateError, "error"},
		{State(42), "unknown"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, tc.state.String())
	}
}

func TestState_Ordinals(t *testing.T) {
	// The ordinals are the wire state codes understood by existing senders.
	assert.Equal(t, uint8(0), uint8(StateIdle))
	assert.Equal(t, uint8(2), uint8(StateInProgress))
	assert.Equal(t, uint8(5), uint8(StateError))
}
