package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bottlesync/internal/domain"
	"bottlesync/internal/observability"
	"bottlesync/internal/protocol"
)

// Cadence maps each poll tier to the delay before the next poll. Idle is
// used when no reminder is due (outside the window).
type Cadence struct {
	Urgent      time.Duration
	Near        time.Duration
	Approaching time.Duration
	Relaxed     time.Duration
	Idle        time.Duration
}

// For returns the delay for tier.
func (c Cadence) For(tier domain.PollTier) time.Duration {
	switch tier {
	case domain.TierUrgent:
		return c.Urgent
	case domain.TierNear:
		return c.Near
	case domain.TierApproaching:
		return c.Approaching
	default:
		return c.Relaxed
	}
}

// Snapshot is a read-only view of the coordinator for collaborators.
type Snapshot struct {
	History      domain.DailyHistory    `json:"history"`
	Schedule     domain.ScheduleConfig  `json:"schedule"`
	State        domain.ConnectionState `json:"state"`
	LastError    string                 `json:"lastError,omitempty"`
	Polling      bool                   `json:"polling"`
	PollInFlight bool                   `json:"pollInFlight"`
	Blocked      bool                   `json:"hardwareBlocked"`
	NextPollAt   *time.Time             `json:"nextPollAt,omitempty"`
}

// EventType tags an Event.
type EventType string

// Event types.
const (
	EventPoll  EventType = "poll"
	EventState EventType = "state"
)

// Event is published to subscribers after every poll and state change.
type Event struct {
	Type       EventType               `json:"type"`
	At         time.Time               `json:"at"`
	NewRecords []domain.DrinkRecord    `json:"newRecords,omitempty"`
	History    *domain.DailyHistory    `json:"history,omitempty"`
	State      *domain.ConnectionState `json:"state,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// PollCoordinator runs polls on the cadence implied by the reminder clock,
// merges decoded records into today's history and publishes the result.
type PollCoordinator struct {
	exec      *Executor
	session   *ConnectionSession
	drinks    domain.DrinkRepository
	schedules domain.ScheduleRepository
	cadence   Cadence
	now       func() time.Time
	log       zerolog.Logger

	// Owned by the executor.
	history    domain.DailyHistory
	schedule   domain.ScheduleConfig
	state      domain.ConnectionState
	lastErr    error
	polling    bool
	inFlight   bool
	blocked    bool
	timer      *time.Timer
	timerGen   uint64
	nextPollAt time.Time

	snap atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// CoordinatorOption customises a PollCoordinator.
type CoordinatorOption func(*PollCoordinator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *PollCoordinator) { c.now = now }
}

// NewPollCoordinator wires a coordinator to session. schedule is used until
// Restore or Configure supplies a stored one.
func NewPollCoordinator(exec *Executor, session *ConnectionSession, drinks domain.DrinkRepository, schedules domain.ScheduleRepository, schedule domain.ScheduleConfig, cadence Cadence, logger zerolog.Logger, opts ...CoordinatorOption) *PollCoordinator {
	c := &PollCoordinator{
		exec:      exec,
		session:   session,
		drinks:    drinks,
		schedules: schedules,
		cadence:   cadence,
		now:       time.Now,
		log:       logger.With().Str("component", "coordinator").Logger(),
		schedule:  schedule,
		state:     session.State(),
		subs:      make(map[chan Event]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.history = domain.NewDailyHistory(c.now())
	session.onResult = c.onResult
	session.onState = c.onState
	c.publishSnapshot()
	return c
}

// Restore loads the stored schedule and today's stored drinks. The executor
// must be running.
func (c *PollCoordinator) Restore(ctx context.Context) error {
	var schedule *domain.ScheduleConfig
	if c.schedules != nil {
		var err error
		if schedule, err = c.schedules.LoadSchedule(ctx); err != nil {
			return err
		}
	}
	today := c.now()
	records, err := c.drinks.DrinksForLocalDay(ctx, today.Format(domain.DayLayout))
	if err != nil {
		return err
	}
	return c.exec.Call(ctx, func() {
		if schedule != nil {
			c.schedule = *schedule
		}
		c.history, _ = domain.MergeHistory(c.history, records, c.now())
		c.publishSnapshot()
		c.log.Info().Int("records", len(c.history.Records)).Int("total_ml", c.history.TotalML).Msg("history restored")
	})
}

// Configure validates and stores a new schedule and reschedules the next
// poll against it.
func (c *PollCoordinator) Configure(ctx context.Context, cfg domain.ScheduleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.schedules != nil {
		if err := c.schedules.SaveSchedule(ctx, cfg); err != nil {
			return err
		}
	}
	return c.exec.Call(ctx, func() {
		c.schedule = cfg
		c.reschedule()
		c.publishSnapshot()
	})
}

// Snapshot returns the latest published view.
func (c *PollCoordinator) Snapshot() Snapshot {
	s := *c.snap.Load()
	s.History = s.History.Clone()
	return s
}

// CurrentHistory returns a copy of today's history. After midnight it is
// empty until the next merge.
func (c *PollCoordinator) CurrentHistory() domain.DailyHistory {
	h, _ := domain.MergeHistory(c.snap.Load().History, nil, c.now())
	return h
}

// TimeUntilNextDrink evaluates the reminder clock for now.
func (c *PollCoordinator) TimeUntilNextDrink(now time.Time) (time.Duration, bool) {
	s := c.snap.Load()
	h, _ := domain.MergeHistory(s.History, nil, now)
	return domain.TimeUntilNext(s.Schedule, h, now)
}

// StartPolling enables polling and polls immediately.
func (c *PollCoordinator) StartPolling() {
	c.exec.Submit(func() {
		if c.polling {
			return
		}
		c.polling = true
		c.log.Info().Msg("polling started")
		c.pollOnce()
		c.publishSnapshot()
	})
}

// StopPolling disables polling. A poll already in flight completes.
func (c *PollCoordinator) StopPolling() {
	c.exec.Submit(func() {
		c.polling = false
		c.stopTimer()
		c.log.Info().Msg("polling stopped")
		c.publishSnapshot()
	})
}

// PollOnce starts a poll unless one is already in flight. An explicit poll
// also retries after ErrHardwareUnavailable.
func (c *PollCoordinator) PollOnce() {
	c.exec.Submit(func() {
		c.blocked = false
		c.pollOnce()
		c.publishSnapshot()
	})
}

// Disconnect cancels the in-flight poll, if any. Its result is discarded.
func (c *PollCoordinator) Disconnect() {
	c.session.Disconnect()
}

// Shutdown stops polling and cancels the in-flight poll, waiting until its
// link is released. Call it before stopping the executor.
func (c *PollCoordinator) Shutdown(ctx context.Context) error {
	err := c.exec.Call(ctx, func() {
		c.polling = false
		c.stopTimer()
		c.publishSnapshot()
	})
	if err != nil {
		return fmt.Errorf("stop polling: %w", err)
	}
	return c.session.Shutdown(ctx)
}

// HardwareChanged reports a radio power change. Becoming available re-arms
// polling that was paused by ErrHardwareUnavailable.
func (c *PollCoordinator) HardwareChanged(available bool) {
	c.exec.Submit(func() {
		if !available || !c.blocked {
			return
		}
		c.blocked = false
		c.log.Info().Msg("radio available again")
		if c.polling {
			c.pollOnce()
		}
		c.publishSnapshot()
	})
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Slow subscribers miss events rather than block.
func (c *PollCoordinator) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, ch)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *PollCoordinator) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *PollCoordinator) pollOnce() {
	if c.inFlight || c.blocked {
		return
	}
	if !c.session.Start() {
		// A reconnect attempt holds the slot; its result reschedules.
		return
	}
	c.inFlight = true
	c.stopTimer()
}

func (c *PollCoordinator) onResult(res PollResult) {
	c.inFlight = false
	now := c.now()

	_, span := otel.Tracer("app/PollCoordinator").Start(context.Background(), "ProcessPoll",
		trace.WithAttributes(
			attribute.String("trigger", string(res.Trigger)),
			attribute.Int("packets", len(res.Packets)),
		),
	)
	defer span.End()

	ev := Event{Type: EventPoll, At: now}
	switch {
	case res.Cancelled:
		observability.PollsTotal.WithLabelValues("cancelled").Inc()
		span.SetAttributes(attribute.Bool("cancelled", true))
	default:
		scan := protocol.ScanAll(res.Packets)
		observability.RecordsDecoded.Add(float64(len(scan.Records)))
		observability.DecodeFailures.Add(float64(scan.Skipped))

		var added []domain.DrinkRecord
		c.history, added = domain.MergeHistory(c.history, scan.Records, now)
		observability.RecordsMerged.Add(float64(len(added)))
		observability.RecordsAbsorbed.Add(float64(len(scan.Records) - len(added)))
		if len(added) > 0 {
			c.persist(added, now)
		}

		c.lastErr = res.Err
		if res.Err != nil {
			observability.PollsTotal.WithLabelValues("error").Inc()
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			ev.Error = res.Err.Error()
			if errors.Is(res.Err, ErrHardwareUnavailable) {
				c.blocked = true
			}
		} else {
			observability.PollsTotal.WithLabelValues("ok").Inc()
		}
		span.SetAttributes(attribute.Int("records.decoded", len(scan.Records)), attribute.Int("records.added", len(added)))

		h := c.history.Clone()
		ev.NewRecords = added
		ev.History = &h
		c.log.Debug().Int("decoded", len(scan.Records)).Int("added", len(added)).Int("total_ml", c.history.TotalML).Msg("poll processed")
	}

	c.reschedule()
	c.publishSnapshot()
	c.publish(ev)
}

func (c *PollCoordinator) onState(st domain.ConnectionState) {
	c.state = st
	c.publishSnapshot()
	c.publish(Event{Type: EventState, At: c.now(), State: &st})
}

// persist stores newly merged records off the executor.
func (c *PollCoordinator) persist(added []domain.DrinkRecord, now time.Time) {
	drinks := make([]domain.StoredDrink, 0, len(added))
	for _, r := range added {
		ts, _ := r.Timestamp(now.Year(), now.Location())
		drinks = append(drinks, domain.StoredDrink{
			Record:     r,
			LocalDay:   ts.Format(domain.DayLayout),
			DrankAt:    ts,
			ReceivedAt: now,
		})
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.drinks.SaveDrinks(ctx, drinks); err != nil {
			c.log.Error().Err(err).Int("records", len(drinks)).Msg("persist drinks")
		}
	}()
}

// reschedule arms the next poll from the reminder clock's tier.
func (c *PollCoordinator) reschedule() {
	c.stopTimer()
	if !c.polling || c.blocked || c.inFlight {
		return
	}
	now := c.now()
	h, _ := domain.MergeHistory(c.history, nil, now)
	delay := c.cadence.Idle
	if until, ok := domain.TimeUntilNext(c.schedule, h, now); ok {
		delay = c.cadence.For(domain.PollTierFor(until))
	}

	gen := c.timerGen
	c.nextPollAt = now.Add(delay)
	c.timer = time.AfterFunc(delay, func() {
		c.exec.Submit(func() {
			if gen != c.timerGen || !c.polling {
				return
			}
			c.timer = nil
			c.nextPollAt = time.Time{}
			c.pollOnce()
			c.publishSnapshot()
		})
	})
	c.log.Debug().Dur("delay", delay).Msg("next poll scheduled")
}

func (c *PollCoordinator) stopTimer() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.nextPollAt = time.Time{}
}

func (c *PollCoordinator) publishSnapshot() {
	s := &Snapshot{
		History:      c.history.Clone(),
		Schedule:     c.schedule,
		State:        c.state,
		Polling:      c.polling,
		PollInFlight: c.inFlight,
		Blocked:      c.blocked,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if !c.nextPollAt.IsZero() {
		t := c.nextPollAt
		s.NextPollAt = &t
	}
	c.snap.Store(s)
}
