package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bottlesync/internal/domain"
)

const (
	testService = "0000fff0-0000-1000-8000-00805f9b34fb"
	testNotify  = "0000fff1-0000-1000-8000-00805f9b34fb"
	testCommand = "0000fff2-0000-1000-8000-00805f9b34fb"
)

// fakeRadio advertises a fixed list of peripherals and hands out links from
// connectFn.
type fakeRadio struct {
	availErr    error
	scanErr     error
	peripherals []domain.Peripheral
	connectFn   func(ctx context.Context, address string) (domain.Link, error)

	mu       sync.Mutex
	scans    int
	connects []string
}

func (r *fakeRadio) Available(_ context.Context) error { return r.availErr }

func (r *fakeRadio) Scan(ctx context.Context, found func(domain.Peripheral)) error {
	r.mu.Lock()
	r.scans++
	r.mu.Unlock()
	if r.scanErr != nil {
		return r.scanErr
	}
	for _, p := range r.peripherals {
		found(p)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) Connect(ctx context.Context, address string) (domain.Link, error) {
	r.mu.Lock()
	r.connects = append(r.connects, address)
	r.mu.Unlock()
	if r.connectFn == nil {
		return nil, context.DeadlineExceeded
	}
	return r.connectFn(ctx, address)
}

func (r *fakeRadio) connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connects...)
}

// fakeLink replays packets after the history request is written. When
// loseOnWrite is set it drops the link instead.
type fakeLink struct {
	address     string
	chars       []domain.Characteristic
	charErr     error
	subErr      error
	packets     [][]byte
	loseOnWrite bool

	mu      sync.Mutex
	data    func([]byte)
	written [][]byte
	lost    chan struct{}
	lostOne sync.Once
	closed  bool
}

func newFakeLink(address string, packets ...[]byte) *fakeLink {
	return &fakeLink{
		address: address,
		chars: []domain.Characteristic{
			{UUID: testNotify, Notify: true},
			{UUID: testCommand, Write: true},
		},
		packets: packets,
		lost:    make(chan struct{}),
	}
}

func (l *fakeLink) Address() string { return l.address }

func (l *fakeLink) Characteristics(_ context.Context) ([]domain.Characteristic, error) {
	return l.chars, l.charErr
}

func (l *fakeLink) Subscribe(_ context.Context, _ string, data func([]byte)) error {
	if l.subErr != nil {
		return l.subErr
	}
	l.mu.Lock()
	l.data = data
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Write(_ context.Context, _ string, payload []byte) error {
	l.mu.Lock()
	l.written = append(l.written, append([]byte(nil), payload...))
	data := l.data
	l.mu.Unlock()

	if l.loseOnWrite {
		l.drop()
		return nil
	}
	go func() {
		for _, p := range l.packets {
			data(p)
		}
	}()
	return nil
}

func (l *fakeLink) drop() { l.lostOne.Do(func() { close(l.lost) }) }

func (l *fakeLink) Lost() <-chan struct{} { return l.lost }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.written...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeDeviceRepo struct {
	mu      sync.Mutex
	target  *domain.TargetDevice
	saved   []domain.TargetDevice
	saveErr error
	saves   int
}

func (r *fakeDeviceRepo) TargetDevice(_ context.Context) (*domain.TargetDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target == nil {
		return nil, nil
	}
	t := *r.target
	return &t, nil
}

func (r *fakeDeviceRepo) SaveTargetDevice(_ context.Context, d domain.TargetDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.target = &d
	r.saved = append(r.saved, d)
	return nil
}

func (r *fakeDeviceRepo) saveAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *fakeDeviceRepo) savedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

type fakeDrinkRepo struct {
	mu     sync.Mutex
	stored []domain.StoredDrink
	saved  chan struct{}
}

func newFakeDrinkRepo() *fakeDrinkRepo {
	return &fakeDrinkRepo{saved: make(chan struct{}, 16)}
}

func (r *fakeDrinkRepo) SaveDrinks(_ context.Context, drinks []domain.StoredDrink) error {
	r.mu.Lock()
	r.stored = append(r.stored, drinks...)
	r.mu.Unlock()
	r.saved <- struct{}{}
	return nil
}

func (r *fakeDrinkRepo) DrinksForLocalDay(_ context.Context, day string) ([]domain.DrinkRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DrinkRecord
	for _, d := range r.stored {
		if d.LocalDay == day {
			out = append(out, d.Record)
		}
	}
	return out, nil
}

func (r *fakeDrinkRepo) DrinkTotalForLocalDay(ctx context.Context, day string) (int, error) {
	recs, _ := r.DrinksForLocalDay(ctx, day)
	total := 0
	for _, d := range recs {
		total += int(d.VolumeML)
	}
	return total, nil
}

func (r *fakeDrinkRepo) ListRecentDrinks(_ context.Context, limit int) ([]domain.StoredDrink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StoredDrink(nil), r.stored[:min(limit, len(r.stored))]...), nil
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		ServiceUUID:    testService,
		CommandUUID:    testCommand,
		NamePrefix:     "H2O",
		ScanTimeout:    200 * time.Millisecond,
		DeviceCap:      5,
		OpTimeout:      time.Second,
		DataIdle:       30 * time.Millisecond,
		DataTimeout:    time.Second,
		ReconnectDelay: 20 * time.Millisecond,
	}
}

func startExecutor(t *testing.T) *Executor {
	t.Helper()
	exec := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	go exec.Run(ctx)
	t.Cleanup(cancel)
	return exec
}

// onExec runs fn on the executor and waits for it.
func onExec(t *testing.T, exec *Executor, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := exec.Call(ctx, fn); err != nil {
		t.Fatalf("executor call: %v", err)
	}
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
