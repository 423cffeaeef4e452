package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"bottlesync/internal/domain"
)

// link is a connected device. One signal goroutine serves Lost and every
// notification subscription.
type link struct {
	radio   *Radio
	path    dbus.ObjectPath
	address string
	log     zerolog.Logger

	mu    sync.Mutex
	chars map[string]dbus.ObjectPath
	subs  map[dbus.ObjectPath]func([]byte)

	rule      string
	sigs      chan *dbus.Signal
	lost      chan struct{}
	lostOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

var _ domain.Link = (*link)(nil)

func newLink(r *Radio, path dbus.ObjectPath, address string) *link {
	return &link{
		radio:   r,
		path:    path,
		address: address,
		log:     r.log.With().Str("address", address).Logger(),
		chars:   make(map[string]dbus.ObjectPath),
		subs:    make(map[dbus.ObjectPath]func([]byte)),
		rule:    matchRule(ifaceProps, "PropertiesChanged", path, true),
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// watch registers for property changes under the device path and starts the
// dispatch loop.
func (l *link) watch() error {
	if err := l.radio.addMatch(l.rule); err != nil {
		return fmt.Errorf("add match: %w", err)
	}
	l.sigs = make(chan *dbus.Signal, 128)
	l.radio.conn.Signal(l.sigs)
	go l.dispatch()
	return nil
}

func (l *link) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case sig, ok := <-l.sigs:
			if !ok {
				l.markLost()
				return
			}
			l.handle(sig)
		}
	}
}

func (l *link) handle(sig *dbus.Signal) {
	iface, changed, ok := changedProps(sig)
	if !ok {
		return
	}
	switch {
	case iface == ifaceDevice && sig.Path == l.path:
		if connected, ok := propBool(changed, "Connected"); ok && !connected {
			l.log.Info().Msg("device disconnected")
			l.markLost()
		}
	case iface == ifaceChar:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		payload, ok := v.Value().([]byte)
		if !ok {
			return
		}
		l.mu.Lock()
		fn := l.subs[sig.Path]
		l.mu.Unlock()
		if fn != nil {
			fn(append([]byte(nil), payload...))
		}
	}
}

func (l *link) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *link) Address() string { return l.address }

func (l *link) Lost() <-chan struct{} { return l.lost }

// Characteristics lists the GATT characteristics bluetoothd resolved for the
// device.
func (l *link) Characteristics(ctx context.Context) ([]domain.Characteristic, error) {
	objects, err := l.radio.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	prefix := string(l.path) + "/"
	var out []domain.Characteristic
	found := make(map[string]dbus.ObjectPath)
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		c, ok := characteristicFromProps(props)
		if !ok {
			continue
		}
		found[c.UUID] = path
		out = append(out, c)
	}
	l.mu.Lock()
	l.chars = found
	l.mu.Unlock()
	return out, nil
}

func (l *link) charPath(uuid string) (dbus.ObjectPath, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, ok := l.chars[strings.ToLower(uuid)]
	if !ok {
		return "", fmt.Errorf("characteristic %s not discovered", uuid)
	}
	return path, nil
}

// Subscribe enables notifications on uuid and routes its values to data.
func (l *link) Subscribe(ctx context.Context, uuid string, data func([]byte)) error {
	path, err := l.charPath(uuid)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.subs[path] = data
	l.mu.Unlock()

	if err := l.radio.conn.Object(busName, path).CallWithContext(ctx, ifaceChar+".StartNotify", 0).Err; err != nil {
		l.mu.Lock()
		delete(l.subs, path)
		l.mu.Unlock()
		return fmt.Errorf("start notify %s: %w", uuid, err)
	}
	return nil
}

// Write sends payload to uuid with a write request, paced by the radio's
// write limiter.
func (l *link) Write(ctx context.Context, uuid string, payload []byte) error {
	path, err := l.charPath(uuid)
	if err != nil {
		return err
	}
	if err := l.radio.writes.Wait(ctx); err != nil {
		return err
	}
	options := map[string]any{"type": "request"}
	if err := l.radio.conn.Object(busName, path).
		CallWithContext(ctx, ifaceChar+".WriteValue", 0, payload, options).Err; err != nil {
		return fmt.Errorf("write %s: %w", uuid, err)
	}
	return nil
}

// Close stops notifications and disconnects. It is safe to call more than
// once.
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.sigs != nil {
			l.radio.conn.RemoveSignal(l.sigs)
			l.radio.removeMatch(l.rule)
		}

		l.mu.Lock()
		paths := make([]dbus.ObjectPath, 0, len(l.subs))
		for p := range l.subs {
			paths = append(paths, p)
		}
		l.subs = map[dbus.ObjectPath]func([]byte){}
		l.mu.Unlock()

		for _, p := range paths {
			if e := l.radio.conn.Object(busName, p).Call(ifaceChar+".StopNotify", 0).Err; e != nil {
				l.log.Debug().Err(e).Msg("stop notify")
			}
		}
		err = l.disconnect()
	})
	return err
}

func (l *link) disconnect() error {
	if err := l.radio.conn.Object(busName, l.path).Call(ifaceDevice+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect %s: %w", l.address, err)
	}
	return nil
}
