// Package gatt exports the OTA service as a BlueZ GATT application.
//
// The object tree is
//
//	/com/papyrix/ota                      ObjectManager
//	/com/papyrix/ota/service0             GattService1
//	/com/papyrix/ota/service0/char0..2    GattCharacteristic1 (control, data, status)
//	/com/papyrix/ota/advertisement0       LEAdvertisement1
//
// Writes become service events; status changes are sent as notifications
// through PropertiesChanged on the status Value.
package gatt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/protocol"
	"github.com/bigbag/papyrix-ota/internal/service"
)

const (
	bluezService    = "org.bluez"
	serviceIface    = "org.bluez.GattService1"
	charIface       = "org.bluez.GattCharacteristic1"
	advIface        = "org.bluez.LEAdvertisement1"
	gattMgrIface    = "org.bluez.GattManager1"
	advMgrIface     = "org.bluez.LEAdvertisingManager1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	errFailed = "org.bluez.Error.Failed"
)

const (
	rootPath    dbus.ObjectPath = "/com/papyrix/ota"
	servicePath                 = rootPath + "/service0"
	controlPath                 = servicePath + "/char0"
	dataPath                    = servicePath + "/char1"
	statusPath                  = servicePath + "/char2"
	advPath                     = rootPath + "/advertisement0"
)

// writeTimeout bounds how long a write waits for the service loop.
const writeTimeout = 5 * time.Second

// Submitter is the part of service.Service the application drives.
type Submitter interface {
	Submit(ctx context.Context, ev service.Event) error
	Status() protocol.Status
}

// Options configures the application.
type Options struct {
	// Adapter is the controller name, e.g. hci0.
	Adapter string
	// LocalName is advertised to scanners.
	LocalName string
	Log       logrus.FieldLogger
}

// Application is the exported GATT application.
type Application struct {
	svc       Submitter
	adapter   dbus.ObjectPath
	localName string
	log       logrus.FieldLogger

	mu        sync.Mutex
	status    protocol.Status
	notifying bool
	props     map[dbus.ObjectPath]*prop.Properties
	// readvertise is set while serving; called when a client disconnects.
	readvertise func()
}

var _ service.Publisher = (*Application)(nil)

// New returns an Application serving svc.
func New(svc Submitter, opts Options) *Application {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	return &Application{
		svc:       svc,
		adapter:   dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		localName: opts.LocalName,
		log:       opts.Log,
		status:    svc.Status(),
		props:     make(map[dbus.ObjectPath]*prop.Properties),
	}
}

// PublishStatus updates the status value and notifies a subscribed client.
func (a *Application) PublishStatus(status protocol.Status) error {
	a.mu.Lock()
	a.status = status
	props := a.props[statusPath]
	a.mu.Unlock()

	// Emits PropertiesChanged, which BlueZ sends as a notification to a
	// subscribed client.
	if props != nil {
		props.SetMust(charIface, "Value", status.Encode())
	}
	return nil
}

// objects returns the properties of every exported object.
func (a *Application) objects() map[dbus.ObjectPath]map[string]map[string]interface{} {
	a.mu.Lock()
	status := a.status
	notifying := a.notifying
	a.mu.Unlock()

	uuids := []string{protocol.ServiceUUID}
	return map[dbus.ObjectPath]map[string]map[string]interface{}{
		servicePath: {
			serviceIface: {
				"UUID":            protocol.ServiceUUID,
				"Primary":         true,
				"Characteristics": []dbus.ObjectPath{controlPath, dataPath, statusPath},
			},
		},
		controlPath: {
			charIface: {
				"UUID":    protocol.ControlUUID,
				"Service": servicePath,
				"Flags":   []string{"write"},
			},
		},
		dataPath: {
			charIface: {
				"UUID":    protocol.DataUUID,
				"Service": servicePath,
				"Flags":   []string{"write", "write-without-response"},
			},
		},
		statusPath: {
			charIface: {
				"UUID":      protocol.StatusUUID,
				"Service":   servicePath,
				"Flags":     []string{"read", "notify"},
				"Value":     status.Encode(),
				"Notifying": notifying,
			},
		},
		advPath: {
			advIface: {
				"Type":         "peripheral",
				"ServiceUUIDs": uuids,
				"LocalName":    a.localName,
				"Includes":     []string{"tx-power"},
			},
		},
	}
}

// GetManagedObjects implements org.freedesktop.DBus.ObjectManager. The
// advertisement is registered separately and not listed.
func (a *Application) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	out := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for path, ifaces := range a.objects() {
		if path == advPath {
			continue
		}
		out[path] = make(map[string]map[string]dbus.Variant)
		for iface, values := range ifaces {
			vs := make(map[string]dbus.Variant, len(values))
			for name, v := range values {
				vs[name] = dbus.MakeVariant(v)
			}
			out[path][iface] = vs
		}
	}
	return out, nil
}

// handleDeviceSignal turns Device1 Connected changes into service events.
func (a *Application) handleDeviceSignal(ctx context.Context, sig *dbus.Signal) {
	if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	if !strings.HasPrefix(string(sig.Path), string(a.adapter)+"/") {
		return
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != deviceIface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	variant, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, ok := variant.Value().(bool)
	if !ok {
		return
	}

	log := a.log.WithField("device", string(sig.Path))
	ev := service.Disconnected()
	if connected {
		ev = service.Connected()
	} else {
		a.mu.Lock()
		a.notifying = false
		readvertise := a.readvertise
		a.mu.Unlock()
		if readvertise != nil {
			readvertise()
		}
	}
	if err := a.svc.Submit(ctx, ev); err != nil {
		log.WithError(err).Warn("unable to deliver connection event")
	}
}

// characteristic handles GattCharacteristic1 calls for one object.
type characteristic struct {
	app  *Application
	path dbus.ObjectPath
	kind service.Kind
}

func (c *characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	if c.path != statusPath {
		return nil, dbus.NewError("org.bluez.Error.NotPermitted", nil)
	}
	c.app.mu.Lock()
	defer c.app.mu.Unlock()
	return c.app.status.Encode(), nil
}

func (c *characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	if c.path == statusPath {
		return dbus.NewError("org.bluez.Error.NotPermitted", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	payload := make([]byte, len(value))
	copy(payload, value)
	err := c.app.svc.Submit(ctx, service.Event{Kind: c.kind, Payload: payload})
	switch {
	case err == nil:
		return nil
	case err == service.ErrStopped, err == context.DeadlineExceeded:
		return dbus.NewError(errFailed, []interface{}{err.Error()})
	default:
		// Rejections are reported through the status characteristic.
		return nil
	}
}

func (c *characteristic) StartNotify() *dbus.Error {
	if c.path != statusPath {
		return dbus.NewError("org.bluez.Error.NotSupported", nil)
	}
	c.app.setNotifying(true)
	return nil
}

func (c *characteristic) StopNotify() *dbus.Error {
	if c.path != statusPath {
		return dbus.NewError("org.bluez.Error.NotSupported", nil)
	}
	c.app.setNotifying(false)
	return nil
}

func (a *Application) setNotifying(on bool) {
	a.mu.Lock()
	a.notifying = on
	props := a.props[statusPath]
	a.mu.Unlock()

	a.log.WithField("notifying", on).Debug("status notifications changed")
	if props != nil {
		props.SetMust(charIface, "Notifying", on)
	}
}

// advertisement implements LEAdvertisement1.
type advertisement struct {
	log logrus.FieldLogger
}

func (a *advertisement) Release() *dbus.Error {
	a.log.Info("advertisement released by bluez")
	return nil
}
