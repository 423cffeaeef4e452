package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"bottlesync/internal/domain"
)

type fakeScheduleRepo struct {
	mu    sync.Mutex
	saved *domain.ScheduleConfig
}

func (r *fakeScheduleRepo) LoadSchedule(_ context.Context) (*domain.ScheduleConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		return nil, nil
	}
	s := *r.saved
	return &s, nil
}

func (r *fakeScheduleRepo) SaveSchedule(_ context.Context, cfg domain.ScheduleConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = &cfg
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var (
	coordNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	coordSchedule = domain.ScheduleConfig{
		WindowStart: domain.TimeOfDay{Hour: 8},
		WindowEnd:   domain.TimeOfDay{Hour: 20},
		GoalML:      2000,
		ServingML:   250,
	}

	slowCadence = Cadence{
		Urgent:      time.Hour,
		Near:        time.Hour,
		Approaching: time.Hour,
		Relaxed:     time.Hour,
		Idle:        time.Hour,
	}
)

func drinkPacket(month, day, hour, minute, vol byte) []byte {
	return []byte{'P', 'T', 0x00, 0x0D, 0x00, 0x01,
		0x1A, month, day, hour, minute, 0x00, 0x00, vol, 0x00, 0x00, 0x01, 0x61, 0x00}
}

type coordHarness struct {
	exec      *Executor
	radio     *fakeRadio
	drinks    *fakeDrinkRepo
	schedules *fakeScheduleRepo
	clock     *testClock
	coord     *PollCoordinator
	events    <-chan Event
}

func newCoordHarness(t *testing.T, radio *fakeRadio, cadence Cadence) *coordHarness {
	t.Helper()
	h := &coordHarness{
		exec:      startExecutor(t),
		radio:     radio,
		drinks:    newFakeDrinkRepo(),
		schedules: &fakeScheduleRepo{},
		clock:     &testClock{t: coordNow},
	}
	cfg := testSessionConfig()
	cfg.ScanTimeout = 40 * time.Millisecond
	session := NewConnectionSession(h.exec, radio, &fakeDeviceRepo{}, cfg, nopLogger())
	h.coord = NewPollCoordinator(h.exec, session, h.drinks, h.schedules, coordSchedule, cadence, nopLogger(), WithClock(h.clock.Now))

	events, cancel := h.coord.Subscribe(32)
	t.Cleanup(cancel)
	h.events = events
	return h
}

// nextPoll waits for the next poll event, skipping state events.
func (h *coordHarness) nextPoll(t *testing.T) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventPoll {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for poll event")
			return Event{}
		}
	}
}

func (h *coordHarness) noPoll(t *testing.T, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventPoll {
				t.Fatalf("unexpected poll event %+v", ev)
			}
		case <-timeout:
			return
		}
	}
}

func bottleRadio(packets ...[]byte) *fakeRadio {
	return &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn: func(context.Context, string) (domain.Link, error) {
			return newFakeLink("AA", packets...), nil
		},
	}
}

func TestCoordinator_PollMergesAndPersists(t *testing.T) {
	h := newCoordHarness(t, bottleRadio(drinkPacket(3, 14, 9, 30, 200)), slowCadence)

	h.coord.PollOnce()
	ev := h.nextPoll(t)
	if ev.Error != "" {
		t.Fatalf("unexpected error: %s", ev.Error)
	}
	if len(ev.NewRecords) != 1 || ev.History == nil || ev.History.TotalML != 200 {
		t.Fatalf("unexpected event %+v", ev)
	}

	snap := h.coord.Snapshot()
	if snap.History.TotalML != 200 || snap.History.LastDrinkAt == nil {
		t.Fatalf("unexpected history %+v", snap.History)
	}
	if snap.PollInFlight {
		t.Error("expected no poll in flight")
	}

	select {
	case <-h.drinks.saved:
	case <-time.After(time.Second):
		t.Fatal("expected new records to be persisted")
	}
	stored, _ := h.drinks.ListRecentDrinks(context.Background(), 10)
	if len(stored) != 1 || stored[0].LocalDay != "2026-03-14" {
		t.Fatalf("unexpected stored drinks %+v", stored)
	}
	if !stored[0].DrankAt.Equal(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected drank-at %v", stored[0].DrankAt)
	}
}

func TestCoordinator_RepeatedPollAbsorbsDuplicates(t *testing.T) {
	h := newCoordHarness(t, bottleRadio(drinkPacket(3, 14, 9, 30, 200), drinkPacket(3, 13, 22, 0, 150)), slowCadence)

	h.coord.PollOnce()
	if ev := h.nextPoll(t); len(ev.NewRecords) != 1 {
		t.Fatalf("expected only today's record, got %d", len(ev.NewRecords))
	}
	h.coord.PollOnce()
	ev := h.nextPoll(t)
	if len(ev.NewRecords) != 0 {
		t.Fatalf("expected duplicate to be absorbed, got %d new", len(ev.NewRecords))
	}
	if got := h.coord.CurrentHistory().TotalML; got != 200 {
		t.Fatalf("expected total 200, got %d", got)
	}
}

func TestCoordinator_InFlightGuard(t *testing.T) {
	h := newCoordHarness(t, &fakeRadio{}, slowCadence)

	h.coord.PollOnce()
	h.coord.PollOnce()
	ev := h.nextPoll(t)
	if !strings.Contains(ev.Error, ErrScanTimeout.Error()) {
		t.Fatalf("expected scan timeout, got %q", ev.Error)
	}
	h.noPoll(t, 100*time.Millisecond)

	h.radio.mu.Lock()
	scans := h.radio.scans
	h.radio.mu.Unlock()
	if scans != 1 {
		t.Fatalf("expected one scan, got %d", scans)
	}
}

func TestCoordinator_ErrorKeepsHistoryAndReschedules(t *testing.T) {
	h := newCoordHarness(t, &fakeRadio{}, slowCadence)

	h.coord.StartPolling()
	h.nextPoll(t)

	snap := h.coord.Snapshot()
	if !snap.Polling {
		t.Fatal("expected polling")
	}
	if !strings.Contains(snap.LastError, ErrScanTimeout.Error()) {
		t.Errorf("expected last error to be the scan timeout, got %q", snap.LastError)
	}
	if snap.NextPollAt == nil || !snap.NextPollAt.Equal(coordNow.Add(time.Hour)) {
		t.Errorf("expected next poll in an hour, got %v", snap.NextPollAt)
	}

	h.coord.StopPolling()
	onExec(t, h.exec, func() {})
	if snap := h.coord.Snapshot(); snap.Polling || snap.NextPollAt != nil {
		t.Errorf("expected polling stopped, got %+v", snap)
	}
}

func TestCoordinator_CadenceFollowsTier(t *testing.T) {
	cadence := Cadence{
		Urgent:      time.Minute,
		Near:        2 * time.Minute,
		Approaching: 5 * time.Minute,
		Relaxed:     10 * time.Minute,
		Idle:        30 * time.Minute,
	}
	h := newCoordHarness(t, &fakeRadio{}, cadence)

	// Nothing drunk by 10:00: the 45 minute cap measured from the 08:00
	// window start is long past.
	h.coord.StartPolling()
	h.nextPoll(t)
	snap := h.coord.Snapshot()
	if snap.NextPollAt == nil || !snap.NextPollAt.Equal(coordNow.Add(time.Minute)) {
		t.Fatalf("expected urgent cadence, got %v", snap.NextPollAt)
	}
}

func TestCoordinator_HardwareBlocksUntilAvailable(t *testing.T) {
	radio := &fakeRadio{availErr: domain.ErrHardwareUnavailable}
	h := newCoordHarness(t, radio, slowCadence)

	h.coord.StartPolling()
	ev := h.nextPoll(t)
	if !strings.Contains(ev.Error, domain.ErrHardwareUnavailable.Error()) {
		t.Fatalf("expected hardware error, got %q", ev.Error)
	}
	snap := h.coord.Snapshot()
	if !snap.Blocked || snap.NextPollAt != nil {
		t.Fatalf("expected blocked without a scheduled poll, got %+v", snap)
	}

	h.coord.HardwareChanged(false)
	h.noPoll(t, 50*time.Millisecond)

	h.coord.HardwareChanged(true)
	h.nextPoll(t)
}

func TestCoordinator_ManualPollClearsBlock(t *testing.T) {
	radio := &fakeRadio{availErr: domain.ErrHardwareUnavailable}
	h := newCoordHarness(t, radio, slowCadence)

	h.coord.PollOnce()
	h.nextPoll(t)
	if !h.coord.Snapshot().Blocked {
		t.Fatal("expected blocked")
	}
	h.coord.PollOnce()
	h.nextPoll(t)
}

func TestCoordinator_DisconnectDiscardsResult(t *testing.T) {
	h := newCoordHarness(t, &fakeRadio{}, slowCadence)

	h.coord.PollOnce()
	onExec(t, h.exec, func() {})
	h.coord.Disconnect()
	ev := h.nextPoll(t)
	if ev.History != nil || len(ev.NewRecords) != 0 {
		t.Fatalf("expected cancelled poll to carry no history, got %+v", ev)
	}
	if snap := h.coord.Snapshot(); snap.LastError != "" || snap.State.Phase != domain.PhaseDisconnected {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCoordinator_ShutdownReleasesLink(t *testing.T) {
	link := newFakeLink("AA")
	radio := &fakeRadio{
		peripherals: []domain.Peripheral{bottle("AA")},
		connectFn:   func(context.Context, string) (domain.Link, error) { return link, nil },
	}
	h := newCoordHarness(t, radio, slowCadence)

	h.coord.StartPolling()
	deadline := time.Now().Add(time.Second)
	for h.coord.Snapshot().State.Phase != domain.PhaseAwaitingData {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for awaiting_data, state is %s", h.coord.Snapshot().State)
		}
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !link.isClosed() {
		t.Fatal("expected link closed once Shutdown returns")
	}
	ev := h.nextPoll(t)
	if ev.History != nil || len(ev.NewRecords) != 0 {
		t.Fatalf("expected cancelled poll, got %+v", ev)
	}
	snap := h.coord.Snapshot()
	if snap.Polling || snap.PollInFlight || snap.NextPollAt != nil {
		t.Fatalf("expected polling stopped with nothing scheduled, got %+v", snap)
	}
}

func TestCoordinator_RestoreAndRollover(t *testing.T) {
	h := newCoordHarness(t, &fakeRadio{}, slowCadence)
	yesterday := domain.StoredDrink{
		Record:   domain.DrinkRecord{ID: "y", Month: 3, Day: 13, Hour: 21, VolumeML: 100},
		LocalDay: "2026-03-13",
	}
	today := domain.StoredDrink{
		Record:   domain.DrinkRecord{ID: "t", Month: 3, Day: 14, Hour: 8, Minute: 15, VolumeML: 250},
		LocalDay: "2026-03-14",
	}
	_ = h.drinks.SaveDrinks(context.Background(), []domain.StoredDrink{yesterday, today})
	stored := coordSchedule
	stored.GoalML = 2500
	_ = h.schedules.SaveSchedule(context.Background(), stored)

	if err := h.coord.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap := h.coord.Snapshot()
	if snap.History.TotalML != 250 || len(snap.History.Records) != 1 {
		t.Fatalf("expected only today's drink restored, got %+v", snap.History)
	}
	if snap.Schedule.GoalML != 2500 {
		t.Errorf("expected stored schedule, got %+v", snap.Schedule)
	}

	h.clock.Set(coordNow.Add(24 * time.Hour))
	if h2 := h.coord.CurrentHistory(); h2.TotalML != 0 || h2.Day != "2026-03-15" {
		t.Fatalf("expected empty history after midnight, got %+v", h2)
	}
}

func TestCoordinator_Configure(t *testing.T) {
	h := newCoordHarness(t, &fakeRadio{}, slowCadence)
	ctx := context.Background()

	bad := coordSchedule
	bad.WindowEnd = domain.TimeOfDay{Hour: 7}
	if err := h.coord.Configure(ctx, bad); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}

	good := coordSchedule
	good.ServingML = 500
	if err := h.coord.Configure(ctx, good); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := h.coord.Snapshot().Schedule; got != good {
		t.Fatalf("expected schedule %+v, got %+v", good, got)
	}
	saved, _ := h.schedules.LoadSchedule(ctx)
	if saved == nil || *saved != good {
		t.Fatalf("expected schedule persisted, got %+v", saved)
	}

	until, ok := h.coord.TimeUntilNextDrink(coordNow)
	if !ok || until >= 0 {
		t.Fatalf("expected an overdue reminder, got %v %v", until, ok)
	}
}

func TestCoordinator_StateEvents(t *testing.T) {
	h := newCoordHarness(t, &fakeRadio{}, slowCadence)

	h.coord.PollOnce()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventState && ev.State != nil && ev.State.Phase == domain.PhaseScanning {
				return
			}
		case <-timeout:
			t.Fatal("expected a scanning state event")
		}
	}
}

func TestCoordinator_SubscribeCancel(t *testing.T) {
	h := newCoordHarness(t, &fakeRadio{}, slowCadence)
	ch, cancel := h.coord.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}
