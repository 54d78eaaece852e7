//go:build linux

package gatt

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/pkg/errors"

	"github.com/bigbag/papyrix-ota/internal/service"
)

// Serve exports the application on the system bus, registers it and its
// advertisement with BlueZ, and follows client connections until ctx is
// cancelled.
func (a *Application) Serve(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return errors.Wrap(err, "connect system bus")
	}
	defer conn.Close()

	if err := a.export(conn); err != nil {
		return err
	}

	adapter := conn.Object(bluezService, a.adapter)
	if call := adapter.CallWithContext(ctx, gattMgrIface+".RegisterApplication", 0, rootPath, map[string]dbus.Variant{}); call.Err != nil {
		return errors.Wrapf(call.Err, "register application on %s", a.adapter)
	}
	a.log.WithField("adapter", string(a.adapter)).Info("gatt application registered")
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		adapter.CallWithContext(cleanup, advMgrIface+".UnregisterAdvertisement", 0, advPath)
		adapter.CallWithContext(cleanup, gattMgrIface+".UnregisterApplication", 0, rootPath)
	}()

	advertise := func(ctx context.Context) error {
		call := adapter.CallWithContext(ctx, advMgrIface+".RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{})
		return call.Err
	}
	if err := advertise(ctx); err != nil {
		return errors.Wrap(err, "register advertisement")
	}
	a.log.WithField("name", a.localName).Info("advertising")

	a.mu.Lock()
	a.readvertise = func() {
		adapter.CallWithContext(ctx, advMgrIface+".UnregisterAdvertisement", 0, advPath)
		if err := advertise(ctx); err != nil {
			a.log.WithError(err).Warn("unable to resume advertising")
			return
		}
		a.log.Debug("advertising resumed")
	}
	a.mu.Unlock()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	); err != nil {
		return errors.Wrap(err, "watch device connections")
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("gatt application stopping")
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			a.handleDeviceSignal(ctx, sig)
		}
	}
}

// export publishes every object and its properties on conn.
func (a *Application) export(conn *dbus.Conn) error {
	if err := conn.Export(a, rootPath, objManagerIface); err != nil {
		return errors.Wrap(err, "export object manager")
	}

	for path, ifaces := range a.objects() {
		m := prop.Map{}
		for iface, values := range ifaces {
			m[iface] = make(map[string]*prop.Prop, len(values))
			for name, v := range values {
				m[iface][name] = &prop.Prop{
					Value:    v,
					Writable: false,
					Emit:     prop.EmitTrue,
				}
			}
		}
		props, err := prop.Export(conn, path, m)
		if err != nil {
			return errors.Wrapf(err, "export properties of %s", path)
		}
		a.mu.Lock()
		a.props[path] = props
		a.mu.Unlock()
	}

	chars := []*characteristic{
		{app: a, path: controlPath, kind: service.KindControl},
		{app: a, path: dataPath, kind: service.KindData},
		{app: a, path: statusPath},
	}
	for _, c := range chars {
		if err := conn.Export(c, c.path, charIface); err != nil {
			return errors.Wrapf(err, "export characteristic %s", c.path)
		}
	}

	if err := conn.Export(&advertisement{log: a.log}, advPath, advIface); err != nil {
		return errors.Wrap(err, "export advertisement")
	}
	return nil
}
