// Package bluez drives a Bluetooth LE adapter through bluetoothd's D-Bus API.
// It implements domain.Radio and reports adapter power changes.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"bottlesync/internal/domain"
)

// servicesResolvedPoll is how often Connect checks ServicesResolved.
const servicesResolvedPoll = 100 * time.Millisecond

// Radio is a domain.Radio backed by one BlueZ adapter.
type Radio struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	writes  *rate.Limiter
	log     zerolog.Logger
}

var _ domain.Radio = (*Radio)(nil)

// Open connects to the system bus and returns a radio for adapter (e.g.
// "hci0"). writeRPS paces GATT writes.
func Open(adapter string, writeRPS float64, logger zerolog.Logger) (*Radio, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", domain.ErrHardwareUnavailable, err)
	}
	return New(conn, adapter, writeRPS, logger), nil
}

// New returns a radio using an existing bus connection.
func New(conn *dbus.Conn, adapter string, writeRPS float64, logger zerolog.Logger) *Radio {
	return &Radio{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
		writes:  rate.NewLimiter(rate.Limit(writeRPS), 1),
		log:     logger.With().Str("component", "bluez").Str("adapter", adapter).Logger(),
	}
}

// Close releases the bus connection.
func (r *Radio) Close() error {
	return r.conn.Close()
}

// Available reports domain.ErrHardwareUnavailable when the adapter is missing
// or powered off.
func (r *Radio) Available(ctx context.Context) error {
	var powered bool
	err := r.conn.Object(busName, r.adapter).
		CallWithContext(ctx, ifaceProps+".Get", 0, ifaceAdapter, "Powered").
		Store(&powered)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrHardwareUnavailable, err)
	}
	if !powered {
		return fmt.Errorf("%w: adapter powered off", domain.ErrHardwareUnavailable)
	}
	return nil
}

func (r *Radio) addMatch(rule string) error {
	return r.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err
}

func (r *Radio) removeMatch(rule string) {
	if err := r.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err; err != nil {
		r.log.Debug().Err(err).Str("rule", rule).Msg("remove match")
	}
}

// Scan runs LE discovery until ctx is done, calling found for devices already
// known to bluetoothd and then for every advertisement update.
func (r *Radio) Scan(ctx context.Context, found func(domain.Peripheral)) error {
	rules := []string{
		matchRule(ifaceObjectManager, "InterfacesAdded", "/", false),
		matchRule(ifaceProps, "PropertiesChanged", r.adapter, true),
	}
	for _, rule := range rules {
		if err := r.addMatch(rule); err != nil {
			return fmt.Errorf("add match: %w", err)
		}
		defer r.removeMatch(rule)
	}
	sigs := make(chan *dbus.Signal, 64)
	r.conn.Signal(sigs)
	defer r.conn.RemoveSignal(sigs)

	adapter := r.conn.Object(busName, r.adapter)
	filter := map[string]any{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// Some adapters reject filters; discovery still works.
		r.log.Debug().Err(err).Msg("set discovery filter")
	}
	if err := adapter.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
		return r.classify(ctx, fmt.Errorf("start discovery: %w", err))
	}
	defer func() {
		if err := adapter.Call(ifaceAdapter+".StopDiscovery", 0).Err; err != nil {
			r.log.Debug().Err(err).Msg("stop discovery")
		}
	}()

	objects, err := r.managedObjects(ctx)
	if err != nil {
		return r.classify(ctx, err)
	}
	prefix := string(r.adapter) + "/"
	for path, ifaces := range objects {
		if props, ok := ifaces[ifaceDevice]; ok && strings.HasPrefix(string(path), prefix) {
			if p, ok := peripheralFromProps(props); ok {
				found(p)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigs:
			if !ok {
				return errors.New("bus connection closed")
			}
			if p, ok := r.peripheralFromSignal(ctx, sig, prefix); ok {
				found(p)
			}
		}
	}
}

func (r *Radio) peripheralFromSignal(ctx context.Context, sig *dbus.Signal, prefix string) (domain.Peripheral, bool) {
	switch sig.Name {
	case sigInterfacesAdded:
		if len(sig.Body) < 2 {
			return domain.Peripheral{}, false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[ifaceDevice]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			return domain.Peripheral{}, false
		}
		return peripheralFromProps(props)
	case sigPropertiesChanged:
		iface, changed, ok := changedProps(sig)
		if !ok || iface != ifaceDevice {
			return domain.Peripheral{}, false
		}
		if _, rssi := changed["RSSI"]; !rssi {
			if _, uuids := changed["UUIDs"]; !uuids {
				return domain.Peripheral{}, false
			}
		}
		var props map[string]dbus.Variant
		err := r.conn.Object(busName, sig.Path).
			CallWithContext(ctx, ifaceProps+".GetAll", 0, ifaceDevice).
			Store(&props)
		if err != nil {
			return domain.Peripheral{}, false
		}
		return peripheralFromProps(props)
	}
	return domain.Peripheral{}, false
}

func (r *Radio) managedObjects(ctx context.Context) (managedObjects, error) {
	objects := make(managedObjects)
	err := r.conn.Object(busName, "/").
		CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

// classify maps adapter-level failures to domain.ErrHardwareUnavailable.
func (r *Radio) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if avail := r.Available(ctx); avail != nil {
		return avail
	}
	return err
}

// Connect connects to address and waits until its GATT services are
// resolved.
func (r *Radio) Connect(ctx context.Context, address string) (domain.Link, error) {
	path := devicePath(r.adapter, address)
	dev := r.conn.Object(busName, path)

	if err := dev.CallWithContext(ctx, ifaceDevice+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	l := newLink(r, path, address)
	if err := l.watch(); err != nil {
		l.disconnect()
		return nil, err
	}

	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		var resolved bool
		err := dev.CallWithContext(ctx, ifaceProps+".Get", 0, ifaceDevice, "ServicesResolved").Store(&resolved)
		if err == nil && resolved {
			r.log.Debug().Str("address", address).Msg("services resolved")
			return l, nil
		}
		select {
		case <-ctx.Done():
			_ = l.Close()
			return nil, fmt.Errorf("resolve services %s: %w", address, ctx.Err())
		case <-l.Lost():
			_ = l.Close()
			return nil, fmt.Errorf("connect %s: link dropped while resolving services", address)
		case <-ticker.C:
		}
	}
}

// WatchPower calls fn with the adapter's Powered value on every change until
// ctx is done.
func (r *Radio) WatchPower(ctx context.Context, fn func(powered bool)) error {
	rule := matchRule(ifaceProps, "PropertiesChanged", r.adapter, false)
	if err := r.addMatch(rule); err != nil {
		return fmt.Errorf("add match: %w", err)
	}
	defer r.removeMatch(rule)

	sigs := make(chan *dbus.Signal, 16)
	r.conn.Signal(sigs)
	defer r.conn.RemoveSignal(sigs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigs:
			if !ok {
				return errors.New("bus connection closed")
			}
			if sig.Path != r.adapter {
				continue
			}
			iface, changed, ok := changedProps(sig)
			if !ok || iface != ifaceAdapter {
				continue
			}
			if powered, ok := propBool(changed, "Powered"); ok {
				r.log.Info().Bool("powered", powered).Msg("adapter power changed")
				fn(powered)
			}
		}
	}
}
