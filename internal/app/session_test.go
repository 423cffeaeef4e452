package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bottlesync/internal/domain"
	"bottlesync/internal/protocol"
)

type sessionHarness struct {
	exec    *Executor
	session *ConnectionSession
	results chan PollResult

	mu     sync.Mutex
	phases []domain.ConnectionPhase
}

func newSessionHarness(t *testing.T, radio domain.Radio, devices domain.DeviceRepository, cfg SessionConfig) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		exec:    startExecutor(t),
		results: make(chan PollResult, 8),
	}
	h.session = NewConnectionSession(h.exec, radio, devices, cfg, nopLogger())
	h.session.onResult = func(r PollResult) { h.results <- r }
	h.session.onState = func(st domain.ConnectionState) {
		h.mu.Lock()
		h.phases = append(h.phases, st.Phase)
		h.mu.Unlock()
	}
	return h
}

func (h *sessionHarness) start(t *testing.T) bool {
	t.Helper()
	var ok bool
	onExec(t, h.exec, func() { ok = h.session.Start() })
	return ok
}

func (h *sessionHarness) next(t *testing.T) PollResult {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll result")
		return PollResult{}
	}
}

func (h *sessionHarness) state(t *testing.T) domain.ConnectionState {
	t.Helper()
	var st domain.ConnectionState
	onExec(t, h.exec, func() { st = h.session.State() })
	return st
}

func (h *sessionHarness) seen() []domain.ConnectionPhase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ConnectionPhase(nil), h.phases...)
}

func bottle(address string) domain.Peripheral {
	return domain.Peripheral{Address: address, Name: "H2O-Bottle", Services: []string{testService}}
}

func TestSession_SuccessfulPoll(t *testing.T) {
	packet := []byte{'P', 'T', 0x00, 0x0D, 0x00, 0x01, 0x1A, 0x02, 0x02, 0x16, 0x15, 0x0F, 0x00, 0x10, 0x00, 0x00, 0x01, 0x61, 0x00}
	link := newFakeLink("AA:BB:CC:DD:EE:FF", packet)
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA:BB:CC:DD:EE:FF")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	devices := &fakeDeviceRepo{}
	h := newSessionHarness(t, radio, devices, testSessionConfig())

	if !h.start(t) {
		t.Fatal("expected Start to begin an attempt")
	}
	res := h.next(t)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Trigger != TriggerPoll {
		t.Errorf("expected poll trigger, got %s", res.Trigger)
	}
	if len(res.Packets) != 1 || !bytes.Equal(res.Packets[0], packet) {
		t.Fatalf("unexpected packets: %x", res.Packets)
	}

	writes := link.writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], protocol.RequestHistoryCommand()) {
		t.Errorf("expected one history request, got %x", writes)
	}

	want := []domain.ConnectionPhase{
		domain.PhaseScanning,
		domain.PhaseConnecting,
		domain.PhaseServiceDiscovery,
		domain.PhaseSubscribing,
		domain.PhaseAwaitingData,
		domain.PhaseDisconnected,
	}
	got := h.seen()
	if len(got) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, got)
		}
	}

	deadline := time.Now().Add(time.Second)
	for devices.savedCount() == 0 || !link.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("expected target saved and link closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_ScanTimeout(t *testing.T) {
	cfg := testSessionConfig()
	cfg.ScanTimeout = 30 * time.Millisecond
	h := newSessionHarness(t, &fakeRadio{}, &fakeDeviceRepo{}, cfg)

	h.start(t)
	res := h.next(t)
	if !errors.Is(res.Err, ErrScanTimeout) {
		t.Fatalf("expected ErrScanTimeout, got %v", res.Err)
	}
	if len(res.Packets) != 0 {
		t.Errorf("expected no packets, got %d", len(res.Packets))
	}
	if st := h.state(t); st.Phase != domain.PhaseError {
		t.Errorf("expected error phase, got %s", st)
	}
}

func TestSession_StartWhileActiveIsNoop(t *testing.T) {
	h := newSessionHarness(t, &fakeRadio{}, &fakeDeviceRepo{}, testSessionConfig())

	if !h.start(t) {
		t.Fatal("expected first Start to succeed")
	}
	if h.start(t) {
		t.Fatal("expected second Start to be a no-op")
	}
	h.next(t)
	select {
	case r := <-h.results:
		t.Fatalf("expected a single result, got extra %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_HardwareUnavailable(t *testing.T) {
	radio := &fakeRadio{availErr: errors.New("adapter powered off")}
	h := newSessionHarness(t, radio, &fakeDeviceRepo{}, testSessionConfig())

	h.start(t)
	res := h.next(t)
	if !errors.Is(res.Err, ErrHardwareUnavailable) {
		t.Fatalf("expected ErrHardwareUnavailable, got %v", res.Err)
	}
	if radio.scans != 0 {
		t.Error("expected no scan without a radio")
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn: func(context.Context, string) (domain.Link, error) {
			return nil, errors.New("le-connection-abort-by-local")
		},
	}
	h := newSessionHarness(t, radio, &fakeDeviceRepo{}, testSessionConfig())

	h.start(t)
	res := h.next(t)
	if !errors.Is(res.Err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", res.Err)
	}
	if st := h.state(t); st.Phase != domain.PhaseDisconnected {
		t.Errorf("expected disconnected, got %s", st)
	}
}

func TestSession_DiscoveryFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(l *fakeLink)
	}{
		{"characteristics error", func(l *fakeLink) { l.charErr = errors.New("gatt error") }},
		{"no notify", func(l *fakeLink) { l.chars = []domain.Characteristic{{UUID: testCommand, Write: true}} }},
		{"no command", func(l *fakeLink) { l.chars = []domain.Characteristic{{UUID: testNotify, Notify: true}} }},
		{"subscribe error", func(l *fakeLink) { l.subErr = errors.New("cccd write failed") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			link := newFakeLink("AA")
			tc.mutate(link)
			radio := &fakeRadio{
				peripherals: []domain.Peripheral{bottle("AA")},
				connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
			}
			h := newSessionHarness(t, radio, &fakeDeviceRepo{}, testSessionConfig())

			h.start(t)
			res := h.next(t)
			if !errors.Is(res.Err, ErrDiscoveryFailure) {
				t.Fatalf("expected ErrDiscoveryFailure, got %v", res.Err)
			}
			if st := h.state(t); st.Phase != domain.PhaseDisconnected {
				t.Errorf("expected disconnected, got %s", st)
			}
		})
	}
}

func TestSession_DataTimeout(t *testing.T) {
	cfg := testSessionConfig()
	cfg.DataTimeout = 40 * time.Millisecond
	link := newFakeLink("AA")
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	h := newSessionHarness(t, radio, &fakeDeviceRepo{}, cfg)

	h.start(t)
	if res := h.next(t); !errors.Is(res.Err, ErrDataTimeout) {
		t.Fatalf("expected ErrDataTimeout, got %v", res.Err)
	}
}

func TestSession_DisconnectCancels(t *testing.T) {
	h := newSessionHarness(t, &fakeRadio{}, &fakeDeviceRepo{}, testSessionConfig())

	h.start(t)
	h.session.Disconnect()
	res := h.next(t)
	if !res.Cancelled || !errors.Is(res.Err, ErrPollCancelled) {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if len(res.Packets) != 0 {
		t.Error("expected cancelled attempt to carry no packets")
	}
	if st := h.state(t); st.Phase != domain.PhaseDisconnected {
		t.Errorf("expected disconnected, got %s", st)
	}
}

func TestSession_StopScanningIgnoredAfterScan(t *testing.T) {
	cfg := testSessionConfig()
	cfg.DataTimeout = 80 * time.Millisecond
	link := newFakeLink("AA")
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	h := newSessionHarness(t, radio, &fakeDeviceRepo{}, cfg)
	h.start(t)

	deadline := time.Now().Add(time.Second)
	for h.state(t).Phase != domain.PhaseAwaitingData {
		if time.Now().After(deadline) {
			t.Fatal("never reached awaiting data")
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.session.StopScanning()
	if res := h.next(t); res.Cancelled {
		t.Fatal("expected StopScanning to leave a connected attempt alone")
	}
}

func TestSession_KnownTargetOnly(t *testing.T) {
	link := newFakeLink("11:22:33:44:55:66")
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{
			bottle("AA:AA:AA:AA:AA:AA"),
			{Address: "11:22:33:44:55:66", Name: "renamed"},
		},
		connectFn: func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	devices := &fakeDeviceRepo{target: &domain.TargetDevice{Address: "11:22:33:44:55:66"}}
	h := newSessionHarness(t, radio, devices, testSessionConfig())

	h.start(t)
	h.next(t)
	if got := radio.connected(); len(got) != 1 || got[0] != "11:22:33:44:55:66" {
		t.Fatalf("expected connect to known target only, got %v", got)
	}
	if devices.savedCount() != 0 {
		t.Error("expected known target not to be saved again")
	}
}

func TestSession_DeviceCap(t *testing.T) {
	cfg := testSessionConfig()
	cfg.DeviceCap = 1
	cfg.ScanTimeout = 40 * time.Millisecond
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{
			{Address: "01", Name: "Headphones"},
			bottle("02"),
		},
	}
	h := newSessionHarness(t, radio, &fakeDeviceRepo{}, cfg)

	h.start(t)
	if res := h.next(t); !errors.Is(res.Err, ErrScanTimeout) {
		t.Fatalf("expected ErrScanTimeout past the device cap, got %v", res.Err)
	}
	if len(radio.connected()) != 0 {
		t.Error("expected no connection attempt")
	}
}

func TestSession_NamePrefixMatch(t *testing.T) {
	link := newFakeLink("02", []byte{'R', 'T', 0x00})
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{{Address: "02", Name: "H2O-Mini"}},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	h := newSessionHarness(t, radio, &fakeDeviceRepo{}, testSessionConfig())

	h.start(t)
	if res := h.next(t); res.Err != nil || len(res.Packets) != 1 {
		t.Fatalf("expected one packet from name-matched bottle, got %+v", res)
	}
}

// waitPhase polls the session state until it reaches phase.
func (h *sessionHarness) waitPhase(t *testing.T, phase domain.ConnectionPhase) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.state(t).Phase != phase {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, state is %s", phase, h.state(t))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// expectQuiet fails if another result arrives within d.
func (h *sessionHarness) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-h.results:
		t.Fatalf("expected no further attempt, got %+v", r)
	case <-time.After(d):
	}
}

func knownBottle() *fakeDeviceRepo {
	return &fakeDeviceRepo{target: &domain.TargetDevice{Address: "AA"}}
}

func TestSession_LinkLostReconnectsOnce(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AutoReconnect = true

	var mu sync.Mutex
	var links []*fakeLink
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn: func(context.Context, string) (domain.Link, error) {
			l := newFakeLink("AA")
			l.loseOnWrite = true
			mu.Lock()
			links = append(links, l)
			mu.Unlock()
			return l, nil
		},
	}
	h := newSessionHarness(t, radio, knownBottle(), cfg)

	h.start(t)
	first := h.next(t)
	if !errors.Is(first.Err, ErrLinkLost) || first.Trigger != TriggerPoll {
		t.Fatalf("expected link lost on poll, got %+v", first)
	}
	second := h.next(t)
	if !errors.Is(second.Err, ErrLinkLost) || second.Trigger != TriggerReconnect {
		t.Fatalf("expected link lost on reconnect, got %+v", second)
	}
	select {
	case r := <-h.results:
		t.Fatalf("expected a single reconnect, got another attempt %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_UserDisconnectSuppressesReconnect(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AutoReconnect = true
	cfg.DataTimeout = 5 * time.Second
	link := newFakeLink("AA")
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	h := newSessionHarness(t, radio, knownBottle(), cfg)

	h.start(t)
	h.waitPhase(t, domain.PhaseAwaitingData)
	h.session.Disconnect()

	res := h.next(t)
	if !res.Cancelled || res.Trigger != TriggerPoll {
		t.Fatalf("expected cancelled poll, got %+v", res)
	}
	h.expectQuiet(t, 5*cfg.ReconnectDelay)
	if got := radio.connected(); len(got) != 1 {
		t.Errorf("expected a single connect, got %v", got)
	}
}

func TestSession_LinkLostWithoutTargetDoesNotReconnect(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AutoReconnect = true
	cfg.DataTimeout = 5 * time.Second
	link := newFakeLink("AA")
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	devices := &fakeDeviceRepo{saveErr: errors.New("disk full")}
	h := newSessionHarness(t, radio, devices, cfg)

	h.start(t)
	h.waitPhase(t, domain.PhaseAwaitingData)
	deadline := time.Now().Add(time.Second)
	for devices.saveAttempts() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected an attempt to persist the target")
		}
		time.Sleep(2 * time.Millisecond)
	}
	link.drop()

	res := h.next(t)
	if !errors.Is(res.Err, ErrLinkLost) {
		t.Fatalf("expected link lost, got %+v", res)
	}
	h.expectQuiet(t, 5*cfg.ReconnectDelay)
	if got := radio.connected(); len(got) != 1 {
		t.Errorf("expected a single connect, got %v", got)
	}
}

func TestSession_ShutdownClosesLink(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AutoReconnect = true
	cfg.DataTimeout = 5 * time.Second
	link := newFakeLink("AA")
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	h := newSessionHarness(t, radio, knownBottle(), cfg)

	h.start(t)
	h.waitPhase(t, domain.PhaseAwaitingData)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.session.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !link.isClosed() {
		t.Fatal("expected link closed once Shutdown returns")
	}
	if res := h.next(t); !res.Cancelled {
		t.Errorf("expected cancelled result, got %+v", res)
	}
	if st := h.state(t); st.Phase != domain.PhaseDisconnected {
		t.Errorf("expected disconnected, got %s", st)
	}
	h.expectQuiet(t, 5*cfg.ReconnectDelay)
}

func TestSession_ShutdownReportsStoppedExecutor(t *testing.T) {
	exec := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec.Run(ctx)

	s := NewConnectionSession(exec, &fakeRadio{}, &fakeDeviceRepo{}, testSessionConfig(), nopLogger())
	if err := s.Shutdown(context.Background()); err == nil {
		t.Fatal("expected an error when the executor is no longer running")
	}
}

func TestSession_LinkLostKeepsPackets(t *testing.T) {
	link := newFakeLink("AA", []byte{'P', 'T', 0x00, 0x00, 0x00, 0x00})
	cfg := testSessionConfig()
	cfg.DataIdle = time.Second
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	h := newSessionHarness(t, radio, &fakeDeviceRepo{}, cfg)
	h.start(t)

	deadline := time.Now().Add(time.Second)
	for {
		var n int
		onExec(t, h.exec, func() {
			if h.session.active != nil {
				n = len(h.session.active.packets)
			}
		})
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no packet arrived")
		}
		time.Sleep(2 * time.Millisecond)
	}
	link.drop()

	res := h.next(t)
	if res.Err != nil || len(res.Packets) != 1 {
		t.Fatalf("expected packets kept after link loss, got %+v", res)
	}
}

func TestExecutor_RunsInOrder(t *testing.T) {
	exec := startExecutor(t)
	var got []int
	for i := range 5 {
		exec.Submit(func() { got = append(got, i) })
	}
	onExec(t, exec, func() {})
	for i, v := range got {
		if v != i {
			t.Fatalf("expected submission order, got %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(got))
	}
}

func TestExecutor_StopsAfterCancel(t *testing.T) {
	exec := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()
	cancel()
	<-done
	if exec.Submit(func() {}) {
		t.Fatal("expected Submit to fail after Run returned")
	}
}
