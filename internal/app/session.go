package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bottlesync/internal/domain"
	"bottlesync/internal/observability"
	"bottlesync/internal/protocol"
)

// SessionConfig tunes the connection state machine.
type SessionConfig struct {
	ServiceUUID string
	CommandUUID string
	NamePrefix  string

	ScanTimeout     time.Duration
	DeviceCap       int
	OpTimeout       time.Duration
	SubscribeSettle time.Duration
	DataIdle        time.Duration
	DataTimeout     time.Duration

	AutoReconnect  bool
	ReconnectDelay time.Duration
}

// Trigger records what started a connection attempt.
type Trigger string

// Attempt triggers.
const (
	TriggerPoll      Trigger = "poll"
	TriggerReconnect Trigger = "reconnect"
)

// PollResult is what one connection attempt yields: the raw notification
// packets in arrival order, or an error. Cancelled attempts carry no packets.
type PollResult struct {
	Trigger   Trigger
	Packets   [][]byte
	Err       error
	Cancelled bool
}

// attempt is the single in-flight connection. Callbacks carry the attempt
// they belong to and are dropped once it no longer occupies the slot.
type attempt struct {
	trigger  Trigger
	ctx      context.Context
	cancel   context.CancelFunc
	stopScan context.CancelFunc
	link     domain.Link
	seen     map[string]struct{}
	packets  [][]byte
	timers   []*time.Timer
	idle     *time.Timer
}

func (a *attempt) stopTimers() {
	for _, t := range a.timers {
		t.Stop()
	}
	if a.idle != nil {
		a.idle.Stop()
	}
}

// ConnectionSession drives scan, connect, discovery, subscription and data
// collection against the bottle. All methods except Disconnect,
// StopScanning and Shutdown must run on the executor.
type ConnectionSession struct {
	exec    *Executor
	radio   domain.Radio
	devices domain.DeviceRepository
	cfg     SessionConfig
	log     zerolog.Logger

	state     domain.ConnectionState
	active    *attempt
	target    *domain.TargetDevice
	reconnect *time.Timer
	started   time.Time

	closeMu sync.Mutex
	closing []chan struct{}

	onResult func(PollResult)
	onState  func(domain.ConnectionState)
}

// NewConnectionSession creates an idle session.
func NewConnectionSession(exec *Executor, radio domain.Radio, devices domain.DeviceRepository, cfg SessionConfig, logger zerolog.Logger) *ConnectionSession {
	return &ConnectionSession{
		exec:    exec,
		radio:   radio,
		devices: devices,
		cfg:     cfg,
		log:     logger.With().Str("component", "session").Logger(),
		state:   domain.ConnectionState{Phase: domain.PhaseIdle},
	}
}

// State returns the current connection state.
func (s *ConnectionSession) State() domain.ConnectionState { return s.state }

// Active reports whether an attempt occupies the slot.
func (s *ConnectionSession) Active() bool { return s.active != nil }

// Start begins a poll. It is a no-op returning false while an attempt is
// already in progress.
func (s *ConnectionSession) Start() bool {
	if s.active != nil {
		return false
	}
	s.stopReconnect()
	s.begin(TriggerPoll)
	return true
}

// Disconnect cancels any attempt and pending reconnect. The cancelled
// attempt yields no packets.
func (s *ConnectionSession) Disconnect() {
	s.exec.Submit(func() { s.cancel("user disconnect", false) })
}

// StopScanning cancels an attempt that is still scanning and any pending
// reconnect.
func (s *ConnectionSession) StopScanning() {
	s.exec.Submit(func() { s.cancel("scan stopped", true) })
}

// Shutdown cancels any attempt and pending reconnect, then waits until every
// released link has closed. The executor must still be running.
func (s *ConnectionSession) Shutdown(ctx context.Context) error {
	if err := s.exec.Call(ctx, func() { s.cancel("shutdown", false) }); err != nil {
		return fmt.Errorf("cancel attempt: %w", err)
	}
	s.closeMu.Lock()
	pending := s.closing
	s.closing = nil
	s.closeMu.Unlock()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("close link: %w", ctx.Err())
		}
	}
	return nil
}

// release closes link off the executor. Shutdown waits for it.
func (s *ConnectionSession) release(link domain.Link) {
	done := make(chan struct{})
	s.closeMu.Lock()
	s.closing = append(s.closing, done)
	s.closeMu.Unlock()
	go func() {
		defer close(done)
		if err := link.Close(); err != nil {
			s.log.Debug().Err(err).Str("address", link.Address()).Msg("close link")
		}
	}()
}

func (s *ConnectionSession) cancel(reason string, scanOnly bool) {
	s.stopReconnect()
	a := s.active
	if a == nil {
		return
	}
	if scanOnly && s.state.Phase != domain.PhaseScanning {
		return
	}
	s.finish(a, domain.ConnectionState{Phase: domain.PhaseDisconnected, Reason: reason},
		PollResult{Err: ErrPollCancelled, Cancelled: true})
}

func (s *ConnectionSession) begin(trigger Trigger) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{trigger: trigger, ctx: ctx, cancel: cancel, seen: make(map[string]struct{})}
	s.active = a
	s.started = time.Now()
	s.setState(domain.ConnectionState{Phase: domain.PhaseScanning})

	go func() {
		err := s.radio.Available(ctx)
		var target *domain.TargetDevice
		if err == nil {
			var terr error
			if target, terr = s.devices.TargetDevice(ctx); terr != nil {
				s.log.Warn().Err(terr).Msg("load target device")
			}
		}
		s.post(a, func() { s.onReady(a, target, err) })
	}()
}

// post runs fn on the executor if a still owns the slot.
func (s *ConnectionSession) post(a *attempt, fn func()) {
	s.exec.Submit(func() {
		if s.active != a {
			return
		}
		fn()
	})
}

func (s *ConnectionSession) after(a *attempt, d time.Duration, fn func()) *time.Timer {
	t := time.AfterFunc(d, func() { s.post(a, fn) })
	a.timers = append(a.timers, t)
	return t
}

func (s *ConnectionSession) onReady(a *attempt, target *domain.TargetDevice, err error) {
	if err != nil {
		if !errors.Is(err, domain.ErrHardwareUnavailable) {
			err = fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
		}
		s.finish(a, domain.ConnectionState{Phase: domain.PhaseError, Reason: err.Error()}, PollResult{Err: err})
		return
	}
	s.target = target

	scanCtx, stop := context.WithCancel(a.ctx)
	a.stopScan = stop
	go func() {
		err := s.radio.Scan(scanCtx, func(p domain.Peripheral) {
			s.post(a, func() { s.onPeripheral(a, p) })
		})
		if err != nil && scanCtx.Err() == nil {
			s.post(a, func() { s.onScanError(a, err) })
		}
	}()
	s.after(a, s.cfg.ScanTimeout, func() { s.onScanTimeout(a) })

	if target != nil {
		s.log.Debug().Str("address", target.Address).Msg("scanning for known bottle")
	} else {
		s.log.Debug().Int("device_cap", s.cfg.DeviceCap).Msg("scanning for any bottle")
	}
}

func (s *ConnectionSession) onScanError(a *attempt, err error) {
	if s.state.Phase != domain.PhaseScanning {
		return
	}
	if errors.Is(err, domain.ErrHardwareUnavailable) {
		s.finish(a, domain.ConnectionState{Phase: domain.PhaseError, Reason: err.Error()}, PollResult{Err: err})
		return
	}
	s.finish(a, domain.ConnectionState{Phase: domain.PhaseError, Reason: err.Error()},
		PollResult{Err: fmt.Errorf("%w: %v", ErrScanTimeout, err)})
}

func (s *ConnectionSession) onScanTimeout(a *attempt) {
	if s.state.Phase != domain.PhaseScanning {
		return
	}
	s.finish(a, domain.ConnectionState{Phase: domain.PhaseError, Reason: ErrScanTimeout.Error()}, PollResult{Err: ErrScanTimeout})
}

// matches decides whether p is the bottle to connect to. With a known target
// only that address matches; otherwise the first advertiser of the service
// or name prefix among the first DeviceCap distinct devices wins.
func (s *ConnectionSession) matches(a *attempt, p domain.Peripheral) bool {
	if s.target != nil {
		return strings.EqualFold(p.Address, s.target.Address)
	}
	if _, ok := a.seen[p.Address]; ok {
		return false
	}
	if s.cfg.DeviceCap > 0 && len(a.seen) >= s.cfg.DeviceCap {
		return false
	}
	a.seen[p.Address] = struct{}{}

	if s.cfg.ServiceUUID != "" && slices.ContainsFunc(p.Services, func(u string) bool {
		return strings.EqualFold(u, s.cfg.ServiceUUID)
	}) {
		return true
	}
	return s.cfg.NamePrefix != "" && strings.HasPrefix(p.Name, s.cfg.NamePrefix)
}

func (s *ConnectionSession) onPeripheral(a *attempt, p domain.Peripheral) {
	if s.state.Phase != domain.PhaseScanning || !s.matches(a, p) {
		return
	}
	a.stopTimers()
	a.timers = nil
	a.stopScan()
	s.setState(domain.ConnectionState{Phase: domain.PhaseConnecting, Reason: p.Address})

	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, s.cfg.OpTimeout)
		defer cancel()
		link, err := s.radio.Connect(ctx, p.Address)
		ok := s.exec.Submit(func() {
			if s.active != a {
				if link != nil {
					s.release(link)
				}
				return
			}
			s.onConnected(a, p, link, err)
		})
		if !ok && link != nil {
			_ = link.Close()
		}
	}()
}

func (s *ConnectionSession) onConnected(a *attempt, p domain.Peripheral, link domain.Link, err error) {
	if err != nil {
		s.finish(a, domain.ConnectionState{Phase: domain.PhaseDisconnected, Reason: "connect failed"},
			PollResult{Err: fmt.Errorf("%w: %s: %v", ErrConnectFailure, p.Address, err)})
		return
	}
	a.link = link

	if s.target == nil {
		// The identity is only adopted once persisted.
		td := domain.TargetDevice{Address: link.Address(), Name: p.Name, ConnectedAt: time.Now().UTC()}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.devices.SaveTargetDevice(ctx, td); err != nil {
				s.log.Warn().Err(err).Str("address", td.Address).Msg("save target device")
				return
			}
			s.exec.Submit(func() {
				if s.target == nil {
					s.target = &td
				}
			})
		}()
	}

	go func() {
		select {
		case <-link.Lost():
			s.post(a, func() { s.onLinkLost(a) })
		case <-a.ctx.Done():
		}
	}()

	s.setState(domain.ConnectionState{Phase: domain.PhaseServiceDiscovery})
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, s.cfg.OpTimeout)
		defer cancel()
		chars, err := link.Characteristics(ctx)
		s.post(a, func() { s.onCharacteristics(a, chars, err) })
	}()
}

func (s *ConnectionSession) discoveryFailed(a *attempt, stage string, err error) {
	s.finish(a, domain.ConnectionState{Phase: domain.PhaseDisconnected, Reason: stage + " failed"},
		PollResult{Err: fmt.Errorf("%w: %s: %v", ErrDiscoveryFailure, stage, err)})
}

func (s *ConnectionSession) onCharacteristics(a *attempt, chars []domain.Characteristic, err error) {
	if err != nil {
		s.discoveryFailed(a, "characteristics", err)
		return
	}

	var notify []string
	command := false
	for _, c := range chars {
		if c.Notify {
			notify = append(notify, c.UUID)
		}
		if c.Write && strings.EqualFold(c.UUID, s.cfg.CommandUUID) {
			command = true
		}
	}
	if len(notify) == 0 {
		s.discoveryFailed(a, "characteristics", errors.New("no notify characteristics"))
		return
	}
	if !command {
		s.discoveryFailed(a, "characteristics", fmt.Errorf("command characteristic %s not found", s.cfg.CommandUUID))
		return
	}

	s.setState(domain.ConnectionState{Phase: domain.PhaseSubscribing})
	link := a.link
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, s.cfg.OpTimeout)
		defer cancel()
		for _, uuid := range notify {
			err := link.Subscribe(ctx, uuid, func(b []byte) {
				pkt := bytes.Clone(b)
				s.post(a, func() { s.onData(a, pkt) })
			})
			if err != nil {
				s.post(a, func() { s.discoveryFailed(a, "subscribe "+uuid, err) })
				return
			}
		}
		s.post(a, func() { s.onSubscribed(a) })
	}()
}

func (s *ConnectionSession) onSubscribed(a *attempt) {
	s.setState(domain.ConnectionState{Phase: domain.PhaseAwaitingData})
	s.after(a, s.cfg.DataTimeout, func() { s.onDataTimeout(a) })

	link := a.link
	write := func() {
		ctx, cancel := context.WithTimeout(a.ctx, s.cfg.OpTimeout)
		defer cancel()
		err := link.Write(ctx, s.cfg.CommandUUID, protocol.RequestHistoryCommand())
		if err != nil {
			s.post(a, func() { s.discoveryFailed(a, "history request", err) })
		}
	}
	if s.cfg.SubscribeSettle > 0 {
		a.timers = append(a.timers, time.AfterFunc(s.cfg.SubscribeSettle, write))
	} else {
		go write()
	}
}

func (s *ConnectionSession) onData(a *attempt, pkt []byte) {
	switch s.state.Phase {
	case domain.PhaseSubscribing, domain.PhaseAwaitingData:
	default:
		return
	}
	a.packets = append(a.packets, pkt)
	s.log.Debug().Int("bytes", len(pkt)).Str("kind", protocol.Classify(pkt).String()).Msg("notification")

	if s.state.Phase != domain.PhaseAwaitingData {
		return
	}
	if a.idle == nil {
		a.idle = time.AfterFunc(s.cfg.DataIdle, func() { s.post(a, func() { s.onIdle(a) }) })
		return
	}
	a.idle.Reset(s.cfg.DataIdle)
}

func (s *ConnectionSession) onIdle(a *attempt) {
	s.finish(a, domain.ConnectionState{Phase: domain.PhaseDisconnected, Reason: "complete"},
		PollResult{Packets: a.packets})
}

func (s *ConnectionSession) onDataTimeout(a *attempt) {
	if len(a.packets) == 0 {
		s.finish(a, domain.ConnectionState{Phase: domain.PhaseDisconnected, Reason: "data timeout"},
			PollResult{Err: ErrDataTimeout})
		return
	}
	s.finish(a, domain.ConnectionState{Phase: domain.PhaseDisconnected, Reason: "complete"},
		PollResult{Packets: a.packets})
}

func (s *ConnectionSession) onLinkLost(a *attempt) {
	a.link = nil
	res := PollResult{Err: ErrLinkLost}
	if s.state.Phase == domain.PhaseAwaitingData && len(a.packets) > 0 {
		res = PollResult{Packets: a.packets}
	}
	s.finish(a, domain.ConnectionState{Phase: domain.PhaseDisconnected, Reason: "link lost"}, res)

	if a.trigger == TriggerReconnect || !s.cfg.AutoReconnect || s.target == nil {
		return
	}
	s.log.Info().Dur("delay", s.cfg.ReconnectDelay).Msg("scheduling reconnect")
	var t *time.Timer
	t = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.exec.Submit(func() {
			if s.reconnect != t {
				return
			}
			s.reconnect = nil
			if s.active == nil {
				s.begin(TriggerReconnect)
			}
		})
	})
	s.reconnect = t
}

func (s *ConnectionSession) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

// finish clears the slot, releases the link and reports the result.
func (s *ConnectionSession) finish(a *attempt, st domain.ConnectionState, res PollResult) {
	a.stopTimers()
	a.cancel()
	if a.link != nil {
		s.release(a.link)
	}
	s.active = nil
	s.setState(st)

	res.Trigger = a.trigger
	observability.PollDuration.Observe(time.Since(s.started).Seconds())
	if res.Err != nil && !res.Cancelled {
		s.log.Warn().Err(res.Err).Str("trigger", string(a.trigger)).Msg("poll failed")
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}

func (s *ConnectionSession) setState(st domain.ConnectionState) {
	s.state = st
	observability.ConnectionPhase.Set(float64(st.Phase))
	s.log.Debug().Stringer("state", st).Msg("transition")
	if s.onState != nil {
		s.onState(st)
	}
}
