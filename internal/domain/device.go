package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHardwareUnavailable is returned by a Radio when the adapter is missing,
// powered off, or access is denied.
var ErrHardwareUnavailable = errors.New("bluetooth hardware unavailable")

// ConnectionPhase enumerates the states of a connection session.
type ConnectionPhase int

// Connection phases in the order a successful poll walks through them.
const (
	PhaseIdle ConnectionPhase = iota
	PhaseScanning
	PhaseConnecting
	PhaseServiceDiscovery
	PhaseSubscribing
	PhaseAwaitingData
	PhaseDisconnected
	PhaseError
)

var phaseNames = [...]string{
	PhaseIdle:             "idle",
	PhaseScanning:         "scanning",
	PhaseConnecting:       "connecting",
	PhaseServiceDiscovery: "service_discovery",
	PhaseSubscribing:      "subscribing",
	PhaseAwaitingData:     "awaiting_data",
	PhaseDisconnected:     "disconnected",
	PhaseError:            "error",
}

func (p ConnectionPhase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p ConnectionPhase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ConnectionPhase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = ConnectionPhase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection phase %q", b)
}

// ConnectionState is the current phase plus the reason for Disconnected or
// the message for Error.
type ConnectionState struct {
	Phase  ConnectionPhase `json:"phase"`
	Reason string          `json:"reason,omitempty"`
}

// Terminal reports whether no connection attempt is in progress.
func (s ConnectionState) Terminal() bool {
	switch s.Phase {
	case PhaseIdle, PhaseDisconnected, PhaseError:
		return true
	}
	return false
}

func (s ConnectionState) String() string {
	if s.Reason == "" {
		return s.Phase.String()
	}
	return s.Phase.String() + "(" + s.Reason + ")"
}

// TargetDevice identifies the last bottle a session connected to.
type TargetDevice struct {
	Address     string    `json:"address"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// DeviceRepository persists the target device identity.
type DeviceRepository interface {
	TargetDevice(ctx context.Context) (*TargetDevice, error)
	SaveTargetDevice(ctx context.Context, d TargetDevice) error
}

// Peripheral is an advertisement seen while scanning.
type Peripheral struct {
	Address  string
	Name     string
	RSSI     int16
	Services []string
}

// Characteristic is a GATT characteristic exposed by a connected device.
type Characteristic struct {
	UUID   string
	Notify bool
	Write  bool
}

// Radio is the port to the BLE central. Blocking calls honour ctx.
type Radio interface {
	// Available returns ErrHardwareUnavailable (possibly wrapped) when the
	// radio cannot be used.
	Available(ctx context.Context) error
	// Scan reports advertisements to found until ctx is done.
	Scan(ctx context.Context, found func(Peripheral)) error
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is an established connection to one peripheral.
type Link interface {
	Address() string
	Characteristics(ctx context.Context) ([]Characteristic, error)
	// Subscribe enables notifications on uuid. data is called for every
	// notification in the order the hardware delivers them.
	Subscribe(ctx context.Context, uuid string, data func([]byte)) error
	Write(ctx context.Context, uuid string, payload []byte) error
	// Lost is closed when the link drops for a reason other than Close.
	Lost() <-chan struct{}
	Close() error
}
