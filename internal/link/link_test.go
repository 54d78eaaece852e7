package link

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-ota/internal/ota"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/service"
	"github.com/bigbag/papyrix-ota/internal/slip"
	"github.com/bigbag/papyrix-ota/internal/storage"
)

type harness struct {
	svc    *service.Service
	slots  *storage.Slots
	client *Client
	done   chan error
}

// newHarness wires a Client to a Device serving a real service.
func newHarness(t *testing.T) *harness {
	t.Helper()

	slots, err := storage.Open(t.TempDir(), 1<<16)
	require.NoError(t, err)
	svc := service.New(ota.New(slots))

	deviceEnd, clientEnd := net.Pipe()
	device := NewDevice(deviceEnd, svc)
	svc.AddPublisher(device)

	ctx, cancel := context.WithCancel(context.Background())
	svcDone := make(chan struct{})
	go func() {
		defer close(svcDone)
		svc.Run(ctx)
	}()
	done := make(chan error, 1)
	go func() {
		done <- device.Run(ctx)
	}()

	h := &harness{
		svc:    svc,
		slots:  slots,
		client: NewClient(clientEnd),
		done:   done,
	}
	t.Cleanup(func() {
		h.client.Close()
		cancel()
		<-svcDone
	})
	return h
}

func nextStatus(t *testing.T, c *Client) protocol.Status {
	t.Helper()
	select {
	case s, ok := <-c.Statuses():
		require.True(t, ok, "status stream closed")
		return s
	case <-time.After(time.Second):
		t.Fatal("no status received")
		return protocol.Status{}
	}
}

func TestLink_Update(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	image := bytes.Repeat([]byte{0xE9, 0x01}, 40)

	require.NoError(t, h.client.WriteControl(ctx, protocol.CommandStart.Bytes()))
	assert.Equal(t, uint8(ota.StateReady), nextStatus(t, h.client).State)

	header := protocol.NewHeader(7, uint32(len(image)), 32, protocol.Checksum(image))
	require.NoError(t, h.client.WriteData(ctx, header.Encode()))
	assert.Equal(t, uint8(ota.StateInProgress), nextStatus(t, h.client).State)

	seq := uint32(0)
	for off := 0; off < len(image); off += 32 {
		end := off + 32
		if end > len(image) {
			end = len(image)
		}
		require.NoError(t, h.client.WriteData(ctx, protocol.NewChunk(seq, image[off:end]).Encode()))
		nextStatus(t, h.client)
		seq++
	}

	assert.Equal(t, protocol.Status{State: uint8(ota.StateComplete), Progress: 100}, h.svc.Status())
	boot, _, err := h.slots.Boot()
	require.NoError(t, err)
	assert.Equal(t, 1, boot.Index)
}

func TestLink_Query(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.client.Query(context.Background()))
	assert.Equal(t, protocol.Status{State: uint8(ota.StateIdle)}, nextStatus(t, h.client))
}

func TestLink_DisconnectResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.client.WriteControl(ctx, protocol.CommandStart.Bytes()))
	nextStatus(t, h.client)
	require.NoError(t, h.client.Close())

	assert.Eventually(t, func() bool {
		return h.svc.Snapshot().State == ota.StateIdle
	}, time.Second, 10*time.Millisecond)

	select {
	case err := <-h.done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("device did not stop after line closed")
	}
}

func TestClient_WriteAfterClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Close())

	assert.ErrorIs(t, h.client.WriteControl(context.Background(), []byte("start")), ErrClosed)
	_, ok := <-h.client.Statuses()
	assert.False(t, ok)
}

func TestClient_DropsOldestStatus(t *testing.T) {
	deviceEnd, clientEnd := net.Pipe()
	c := NewClient(clientEnd, WithStatusBuffer(2))
	defer c.Close()

	w := slip.NewWriter(deviceEnd)
	for i := 0; i < 4; i++ {
		status := protocol.Status{State: uint8(ota.StateInProgress), Progress: uint8(i * 10)}
		require.NoError(t, w.WriteFrame(Frame{Channel: ChannelStatus, Payload: status.Encode()}.Encode()))
	}
	// A short status is skipped.
	require.NoError(t, w.WriteFrame(Frame{Channel: ChannelStatus, Payload: []byte{1}}.Encode()))
	require.NoError(t, w.WriteFrame(Frame{Channel: ChannelStatus, Payload: protocol.Status{Progress: 99}.Encode()}.Encode()))
	// Writes on net.Pipe return once read, so this frame is only accepted
	// after the status above has been queued.
	require.NoError(t, w.WriteFrame(Frame{Channel: ChannelControl, Payload: []byte("x")}.Encode()))
	deviceEnd.Close()

	var got []uint8
	for s := range c.Statuses() {
		got = append(got, s.Progress)
	}
	assert.Equal(t, []uint8{30, 99}, got)
}

func TestFrame_Decode(t *testing.T) {
	f, err := DecodeFrame([]byte{0x02, 0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, ChannelData, f.Channel)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload)
	assert.Equal(t, []byte{0x02, 0xAA, 0xBB}, f.Encode())

	_, err = DecodeFrame(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	assert.Equal(t, "channel(0x7F)", Channel(0x7F).String())
}
