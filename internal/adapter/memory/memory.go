// Package memory implements an in-memory repository for development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bottlesync/internal/domain"
)

// DB implements an in-memory database storage.
type DB struct {
	mu       sync.Mutex
	drinks   map[string]domain.StoredDrink
	target   *domain.TargetDevice
	schedule *domain.ScheduleConfig
	users    []*domain.User
	sessions map[string]*domain.Session

	userIDCounter int64
}

// New creates a new in-memory database.
func New() *DB {
	return &DB{
		drinks:   make(map[string]domain.StoredDrink),
		sessions: make(map[string]*domain.Session),
	}
}

// Ensure interfaces are met.
var _ domain.DrinkRepository = (*DB)(nil)
var _ domain.DeviceRepository = (*DB)(nil)
var _ domain.ScheduleRepository = (*DB)(nil)
var _ domain.UserRepository = (*DB)(nil)
var _ domain.SessionRepository = (*SessionRepo)(nil)

// --- DrinkRepository ---

// SaveDrinks upserts drinks keyed by record identity.
func (db *DB) SaveDrinks(ctx context.Context, drinks []domain.StoredDrink) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, d := range drinks {
		if d.Record.ID == "" {
			return errors.New("drink record has no identity")
		}
		d.DrankAt = d.DrankAt.UTC()
		d.ReceivedAt = d.ReceivedAt.UTC()
		db.drinks[d.Record.ID] = d
	}
	return nil
}

// DrinksForLocalDay returns the drinks stored for day in drinking order.
func (db *DB) DrinksForLocalDay(ctx context.Context, localDay string) ([]domain.DrinkRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var day []domain.StoredDrink
	for _, d := range db.drinks {
		if d.LocalDay == localDay {
			day = append(day, d)
		}
	}
	sort.Slice(day, func(i, j int) bool {
		return day[i].DrankAt.Before(day[j].DrankAt)
	})

	out := make([]domain.DrinkRecord, 0, len(day))
	for _, d := range day {
		out = append(out, d.Record)
	}
	return out, nil
}

// DrinkTotalForLocalDay returns the summed volume in ml for day.
func (db *DB) DrinkTotalForLocalDay(ctx context.Context, localDay string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	total := 0
	for _, d := range db.drinks {
		if d.LocalDay == localDay {
			total += int(d.Record.VolumeML)
		}
	}
	return total, nil
}

// ListRecentDrinks lists the most recent drinks, newest first.
func (db *DB) ListRecentDrinks(ctx context.Context, limit int) ([]domain.StoredDrink, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	result := make([]domain.StoredDrink, 0, len(db.drinks))
	for _, d := range db.drinks {
		result = append(result, d)
	}

	// sort desc
	sort.Slice(result, func(i, j int) bool {
		return result[i].DrankAt.After(result[j].DrankAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- DeviceRepository ---

// TargetDevice returns the remembered bottle, or nil.
func (db *DB) TargetDevice(ctx context.Context) (*domain.TargetDevice, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.target == nil {
		return nil, nil
	}
	t := *db.target
	return &t, nil
}

// SaveTargetDevice remembers d as the bottle to reconnect to.
func (db *DB) SaveTargetDevice(ctx context.Context, d domain.TargetDevice) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.target = &d
	return nil
}

// --- ScheduleRepository ---

// LoadSchedule returns the stored schedule, or nil.
func (db *DB) LoadSchedule(ctx context.Context) (*domain.ScheduleConfig, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.schedule == nil {
		return nil, nil
	}
	s := *db.schedule
	return &s, nil
}

// SaveSchedule stores cfg.
func (db *DB) SaveSchedule(ctx context.Context, cfg domain.ScheduleConfig) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.schedule = &cfg
	return nil
}

// --- UserRepository ---

// GetByUsername retrieves a user by username.
func (db *DB) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, u := range db.users {
		if u.Username == username {
			return u, nil
		}
	}
	// Return nil if not found
	return nil, nil
}

// GetByID retrieves a user by ID.
func (db *DB) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, u := range db.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

// Create creates a new user.
func (db *DB) Create(ctx context.Context, username, passwordHash string) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, u := range db.users {
		if u.Username == username {
			return nil, errors.New("user already exists")
		}
	}

	db.userIDCounter++
	u := &domain.User{
		ID:           db.userIDCounter,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	db.users = append(db.users, u)
	return u, nil
}

// Count returns the total number of users.
func (db *DB) Count(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.users), nil
}

// --- SessionRepository ---

// SessionRepo implements session persistence.
type SessionRepo struct {
	db *DB
}

// NewSessionRepo creates a new session repository.
func (db *DB) NewSessionRepo() *SessionRepo {
	return &SessionRepo{db: db}
}

// Create creates a new session.
func (r *SessionRepo) Create(ctx context.Context, userID int64, token, userAgent, ip string, expiresAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.sessions[token] = &domain.Session{
		Token:     token,
		UserID:    userID,
		UserAgent: userAgent,
		IP:        ip,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// GetByToken retrieves a session by token.
func (r *SessionRepo) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if s, ok := r.db.sessions[token]; ok {
		if time.Now().After(s.ExpiresAt) {
			delete(r.db.sessions, token)
			return nil, nil
		}
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

// Delete deletes a session.
func (r *SessionRepo) Delete(ctx context.Context, token string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.sessions, token)
	return nil
}

// DeleteExpired deletes all expired sessions.
func (r *SessionRepo) DeleteExpired(ctx context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := time.Now()
	for k, v := range r.db.sessions {
		if now.After(v.ExpiresAt) {
			delete(r.db.sessions, k)
		}
	}
	return nil
}
