// Package ble connects to a device's OTA service as a BLE central.
package ble

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/protocol"
)

// DefaultScanTimeout bounds device discovery.
const DefaultScanTimeout = 15 * time.Second

var (
	serviceUUID = mustParse(protocol.ServiceUUID)
	controlUUID = mustParse(protocol.ControlUUID)
	dataUUID    = mustParse(protocol.DataUUID)
	statusUUID  = mustParse(protocol.StatusUUID)
)

func mustParse(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}

// Options configures Dial.
type Options struct {
	// Address selects one device; empty takes the first advertiser of the
	// OTA service.
	Address     string
	ScanTimeout time.Duration
	Log         logrus.FieldLogger
}

// writer is implemented by *bluetooth.DeviceCharacteristic.
type writer interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// requester is implemented by characteristics on platforms that support
// write requests.
type requester interface {
	Write(p []byte) (int, error)
}

// Link is a connection to the OTA service of one device.
type Link struct {
	control    writer
	data       writer
	disconnect func() error
	log        logrus.FieldLogger

	mu       sync.Mutex
	closed   bool
	statuses chan protocol.Status
}

// Dial scans for the OTA service, connects and subscribes to status
// notifications.
func Dial(ctx context.Context, opts Options) (*Link, error) {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "enable bluetooth adapter")
	}

	found, err := scan(ctx, adapter, opts)
	if err != nil {
		return nil, err
	}
	opts.Log.WithFields(logrus.Fields{
		"address": found.Address.String(),
		"name":    found.LocalName(),
	}).Info("connecting")

	device, err := adapter.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", found.Address.String())
	}

	link, err := discover(device.DiscoverServices, opts.Log)
	if err != nil {
		device.Disconnect()
		return nil, err
	}
	link.disconnect = device.Disconnect
	return link, nil
}

func scan(ctx context.Context, adapter *bluetooth.Adapter, opts Options) (bluetooth.ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.ScanTimeout)
	defer cancel()

	var (
		found bluetooth.ScanResult
		ok    bool
	)
	go func() {
		<-ctx.Done()
		adapter.StopScan()
	}()

	opts.Log.Info("scanning for OTA service")
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.AdvertisementPayload.HasServiceUUID(serviceUUID) {
			return
		}
		if opts.Address != "" && !strings.EqualFold(result.Address.String(), opts.Address) {
			return
		}
		found, ok = result, true
		a.StopScan()
	})
	if err != nil {
		return found, errors.Wrap(err, "scan")
	}
	if !ok {
		if ctx.Err() != nil {
			return found, errors.New("no OTA device found")
		}
		return found, errors.New("scan stopped without a device")
	}
	return found, nil
}

// discoverServices is bluetooth.Device.DiscoverServices.
type discoverServices func(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)

func discover(discoverServices discoverServices, log logrus.FieldLogger) (*Link, error) {
	services, err := discoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, errors.Wrap(err, "discover OTA service")
	}
	if len(services) == 0 {
		return nil, errors.New("OTA service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{controlUUID, dataUUID, statusUUID})
	if err != nil {
		return nil, errors.Wrap(err, "discover OTA characteristics")
	}

	link := newLink(log)
	var status *bluetooth.DeviceCharacteristic
	for i := range chars {
		c := &chars[i]
		switch protocol.NormalizeUUID(c.UUID().String()) {
		case protocol.ControlUUID:
			link.control = c
		case protocol.DataUUID:
			link.data = c
		case protocol.StatusUUID:
			status = c
		}
	}
	if link.control == nil || link.data == nil || status == nil {
		return nil, errors.Errorf("OTA service is missing characteristics (found %d)", len(chars))
	}

	if err := status.EnableNotifications(link.notify); err != nil {
		return nil, errors.Wrap(err, "subscribe to status")
	}
	return link, nil
}

func newLink(log logrus.FieldLogger) *Link {
	return &Link{
		log:      log,
		statuses: make(chan protocol.Status, 64),
	}
}

// WriteControl writes a control command. The control characteristic only
// accepts write requests, so the write waits for the response where the
// platform supports it.
func (l *Link) WriteControl(ctx context.Context, value []byte) error {
	write := l.control.WriteWithoutResponse
	if r, ok := l.control.(requester); ok {
		write = r.Write
	}
	return l.write(ctx, write, value)
}

// WriteData writes a header or chunk as a write command.
func (l *Link) WriteData(ctx context.Context, value []byte) error {
	return l.write(ctx, l.data.WriteWithoutResponse, value)
}

// Statuses returns status notifications. It is closed by Close.
func (l *Link) Statuses() <-chan protocol.Status {
	return l.statuses
}

// Close disconnects from the device.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.statuses)
	l.mu.Unlock()

	if l.disconnect != nil {
		return l.disconnect()
	}
	return nil
}

func (l *Link) write(ctx context.Context, write func([]byte) (int, error), value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.New("link closed")
	}
	if _, err := write(value); err != nil {
		return errors.Wrap(err, "write characteristic")
	}
	return nil
}

// notify receives status notifications from the adapter.
func (l *Link) notify(buf []byte) {
	status, err := protocol.DecodeStatus(buf)
	if err != nil {
		l.log.WithError(err).Warn("dropping malformed status")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.statuses <- status:
	default:
		l.log.Warn("status queue full, dropping notification")
	}
}
