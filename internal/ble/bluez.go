//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName       = "org.bluez"
	bluezAdapterIface  = "org.bluez.Adapter1"
	bluezDeviceIface   = "org.bluez.Device1"
	bluezServiceIface  = "org.bluez.GattService1"
	bluezCharIface     = "org.bluez.GattCharacteristic1"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	propertiesChanged  = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManagerMeth  = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	pollInterval       = time.Second
	signalBufferLength = 100
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// propertyWatcher receives PropertiesChanged bodies for one object path.
type propertyWatcher func(iface string, changed map[string]dbus.Variant)

// BlueZTransport implements Transport against BlueZ on the system bus.
type BlueZTransport struct {
	conn       *dbus.Conn
	adapter    dbus.ObjectPath
	deviceName string

	sigs chan *dbus.Signal

	mu       sync.Mutex
	watchers map[dbus.ObjectPath]propertyWatcher
}

// NewBlueZTransport connects to the system bus and checks the adapter.
// deviceName, if set, selects devices by advertised name in addition to
// service UUID.
func NewBlueZTransport(adapter, deviceName string) (*BlueZTransport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	t := &BlueZTransport{
		conn:       conn,
		adapter:    dbus.ObjectPath("/org/bluez/" + adapter),
		deviceName: deviceName,
		sigs:       make(chan *dbus.Signal, signalBufferLength),
		watchers:   make(map[dbus.ObjectPath]propertyWatcher),
	}

	var powered bool
	if err := conn.Object(bluezBusName, t.adapter).Call(propertiesIface+".Get", 0, bluezAdapterIface, "Powered").Store(&powered); err != nil {
		conn.Close()
		return nil, fmt.Errorf("adapter %s: %w", adapter, err)
	}
	if !powered {
		log.Printf("ble: adapter %s is not powered", adapter)
	}

	conn.Signal(t.sigs)
	go t.dispatch()
	return t, nil
}

// Close releases the bus connection.
func (t *BlueZTransport) Close() error {
	return t.conn.Close()
}

// RequestDevice returns a known device offering serviceUUID or runs LE
// discovery until one appears.
func (t *BlueZTransport) RequestDevice(ctx context.Context, serviceUUID string) (string, error) {
	if path, ok, err := t.findDevice(serviceUUID); err != nil {
		return "", err
	} else if ok {
		log.Printf("ble: using known device %s", path)
		return string(path), nil
	}

	adapter := t.conn.Object(bluezBusName, t.adapter)
	filter := map[string]interface{}{
		"Transport": "le",
		"UUIDs":     []string{serviceUUID},
	}
	if err := adapter.CallWithContext(ctx, bluezAdapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		log.Printf("ble: set discovery filter: %v", err)
	}
	if err := adapter.CallWithContext(ctx, bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		return "", fmt.Errorf("start discovery: %w", err)
	}
	defer func() {
		if err := adapter.Call(bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
			log.Printf("ble: stop discovery: %v", err)
		}
	}()
	log.Printf("ble: scanning for %s", serviceUUID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			path, ok, err := t.findDevice(serviceUUID)
			if err != nil {
				log.Printf("ble: scan: %v", err)
				continue
			}
			if ok {
				log.Printf("ble: discovered %s", path)
				return string(path), nil
			}
		}
	}
}

// findDevice looks for a device under the adapter by name or service UUID.
func (t *BlueZTransport) findDevice(serviceUUID string) (dbus.ObjectPath, bool, error) {
	objects, err := t.managedObjects()
	if err != nil {
		return "", false, err
	}
	prefix := string(t.adapter) + "/dev_"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev, ok := ifaces[bluezDeviceIface]
		if !ok {
			continue
		}
		if t.deviceName != "" {
			if name, ok := dev["Name"].Value().(string); ok && name == t.deviceName {
				return path, true, nil
			}
		}
		if uuids, ok := dev["UUIDs"].Value().([]string); ok {
			for _, u := range uuids {
				if strings.EqualFold(u, serviceUUID) {
					return path, true, nil
				}
			}
		}
	}
	return "", false, nil
}

// Connect calls Device1.Connect and watches the Connected property.
func (t *BlueZTransport) Connect(ctx context.Context, device string, onDisconnect func(error)) error {
	path := dbus.ObjectPath(device)
	if err := t.addMatch(path); err != nil {
		return err
	}

	obj := t.conn.Object(bluezBusName, path)
	if err := obj.CallWithContext(ctx, bluezDeviceIface+".Connect", 0).Err; err != nil {
		var dbusErr dbus.Error
		if !errors.As(err, &dbusErr) || dbusErr.Name != "org.bluez.Error.AlreadyConnected" {
			t.removeMatch(path)
			return fmt.Errorf("connect %s: %w", device, err)
		}
	}

	t.watch(path, func(iface string, changed map[string]dbus.Variant) {
		if iface != bluezDeviceIface {
			return
		}
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		if connected, ok := v.Value().(bool); ok && !connected {
			t.unwatch(path)
			onDisconnect(errors.New("bluez reported Connected=false"))
		}
	})
	return nil
}

// ResolveService waits for ServicesResolved and finds the service by UUID.
func (t *BlueZTransport) ResolveService(ctx context.Context, device, uuid string) (string, error) {
	path := dbus.ObjectPath(device)
	obj := t.conn.Object(bluezBusName, path)

	ticker := time.NewTicker(pollInterval / 2)
	defer ticker.Stop()
	for {
		var resolved bool
		err := obj.CallWithContext(ctx, propertiesIface+".Get", 0, bluezDeviceIface, "ServicesResolved").Store(&resolved)
		if err == nil && resolved {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}

	found, err := t.findChild(path, "/service", bluezServiceIface, uuid)
	if err != nil {
		return "", err
	}
	return string(found), nil
}

// ResolveCharacteristic finds the characteristic by UUID under service.
func (t *BlueZTransport) ResolveCharacteristic(ctx context.Context, service, uuid string) (string, error) {
	found, err := t.findChild(dbus.ObjectPath(service), "/char", bluezCharIface, uuid)
	if err != nil {
		return "", err
	}
	return string(found), nil
}

func (t *BlueZTransport) findChild(parent dbus.ObjectPath, segment, iface, uuid string) (dbus.ObjectPath, error) {
	objects, err := t.managedObjects()
	if err != nil {
		return "", err
	}
	prefix := string(parent) + segment
	seen := 0
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[iface]
		if !ok {
			continue
		}
		seen++
		if u, ok := props["UUID"].Value().(string); ok && strings.EqualFold(u, uuid) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found among %d candidates under %s", uuid, seen, parent)
}

// StartNotify subscribes to Value changes and enables notifications.
func (t *BlueZTransport) StartNotify(ctx context.Context, char string, onValue func([]byte)) error {
	path := dbus.ObjectPath(char)
	if err := t.addMatch(path); err != nil {
		return err
	}
	t.watch(path, func(iface string, changed map[string]dbus.Variant) {
		if iface != bluezCharIface {
			return
		}
		if v, ok := changed["Value"]; ok {
			if value, ok := v.Value().([]byte); ok {
				onValue(value)
			}
		}
	})

	if err := t.conn.Object(bluezBusName, path).CallWithContext(ctx, bluezCharIface+".StartNotify", 0).Err; err != nil {
		t.unwatch(path)
		t.removeMatch(path)
		return fmt.Errorf("start notify %s: %w", char, err)
	}
	return nil
}

// StopNotify disables notifications and drops the watcher.
func (t *BlueZTransport) StopNotify(char string) error {
	path := dbus.ObjectPath(char)
	t.unwatch(path)
	t.removeMatch(path)
	if err := t.conn.Object(bluezBusName, path).Call(bluezCharIface+".StopNotify", 0).Err; err != nil {
		return fmt.Errorf("stop notify %s: %w", char, err)
	}
	return nil
}

// Disconnect calls Device1.Disconnect.
func (t *BlueZTransport) Disconnect(device string) error {
	path := dbus.ObjectPath(device)
	t.unwatch(path)
	t.removeMatch(path)
	if err := t.conn.Object(bluezBusName, path).Call(bluezDeviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect %s: %w", device, err)
	}
	return nil
}

func (t *BlueZTransport) managedObjects() (managedObjects, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := t.conn.Object(bluezBusName, "/").Call(objectManagerMeth, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

func matchRule(path dbus.ObjectPath) string {
	return fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propertiesIface, path)
}

func (t *BlueZTransport) addMatch(path dbus.ObjectPath) error {
	if err := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule(path)).Err; err != nil {
		return fmt.Errorf("add match %s: %w", path, err)
	}
	return nil
}

func (t *BlueZTransport) removeMatch(path dbus.ObjectPath) {
	t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule(path))
}

func (t *BlueZTransport) watch(path dbus.ObjectPath, w propertyWatcher) {
	t.mu.Lock()
	t.watchers[path] = w
	t.mu.Unlock()
}

func (t *BlueZTransport) unwatch(path dbus.ObjectPath) {
	t.mu.Lock()
	delete(t.watchers, path)
	t.mu.Unlock()
}

// dispatch routes PropertiesChanged signals to watchers. It runs until the
// bus connection is closed.
func (t *BlueZTransport) dispatch() {
	for sig := range t.sigs {
		if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
			continue
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		t.mu.Lock()
		w := t.watchers[sig.Path]
		t.mu.Unlock()
		if w != nil {
			w(iface, changed)
		}
	}
}
