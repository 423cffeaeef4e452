package sqlite

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bottlesync/internal/domain"
)

// --- DrinkRepository ---

// SaveDrinks upserts drinks keyed by record identity.
func (d *DB) SaveDrinks(ctx context.Context, drinks []domain.StoredDrink) error {
	if len(drinks) == 0 {
		return nil
	}
	rows := make([]drinkRow, 0, len(drinks))
	for _, dr := range drinks {
		if dr.Record.ID == "" {
			return errors.New("drink record has no identity")
		}
		rows = append(rows, toDrinkRow(dr))
	}
	return d.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"local_day", "drank_at", "received_at"}),
	}).Create(&rows).Error
}

// DrinksForLocalDay returns the drinks stored for day in drinking order.
func (d *DB) DrinksForLocalDay(ctx context.Context, localDay string) ([]domain.DrinkRecord, error) {
	var rows []drinkRow
	if err := d.gorm.WithContext(ctx).
		Where("local_day = ?", localDay).
		Order("drank_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DrinkRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain().Record)
	}
	return out, nil
}

// DrinkTotalForLocalDay returns the summed volume in ml for day.
func (d *DB) DrinkTotalForLocalDay(ctx context.Context, localDay string) (int, error) {
	var total int
	err := d.gorm.WithContext(ctx).Model(&drinkRow{}).
		Where("local_day = ?", localDay).
		Select("COALESCE(SUM(volume_ml), 0)").
		Scan(&total).Error
	return total, err
}

// ListRecentDrinks returns the most recent drinks up to limit, newest first.
func (d *DB) ListRecentDrinks(ctx context.Context, limit int) ([]domain.StoredDrink, error) {
	var rows []drinkRow
	if err := d.gorm.WithContext(ctx).
		Order("drank_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.StoredDrink, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// --- DeviceRepository ---

// TargetDevice returns the remembered bottle, or nil when none is stored.
func (d *DB) TargetDevice(ctx context.Context) (*domain.TargetDevice, error) {
	var row targetDeviceRow
	err := d.gorm.WithContext(ctx).First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.TargetDevice{Address: row.Address, Name: row.Name, ConnectedAt: row.ConnectedAt}, nil
}

// SaveTargetDevice remembers t as the bottle to reconnect to.
func (d *DB) SaveTargetDevice(ctx context.Context, t domain.TargetDevice) error {
	row := targetDeviceRow{ID: 1, Address: t.Address, Name: t.Name, ConnectedAt: t.ConnectedAt.UTC()}
	return d.gorm.WithContext(ctx).Save(&row).Error
}

// --- ScheduleRepository ---

// LoadSchedule returns the stored schedule, or nil when none is stored.
func (d *DB) LoadSchedule(ctx context.Context) (*domain.ScheduleConfig, error) {
	var row scheduleRow
	err := d.gorm.WithContext(ctx).First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := domain.ScheduleConfig{GoalML: row.GoalML, ServingML: row.ServingML}
	if cfg.WindowStart, err = domain.ParseTimeOfDay(row.WindowStart); err != nil {
		return nil, err
	}
	if cfg.WindowEnd, err = domain.ParseTimeOfDay(row.WindowEnd); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveSchedule stores cfg, replacing any previous schedule.
func (d *DB) SaveSchedule(ctx context.Context, cfg domain.ScheduleConfig) error {
	row := scheduleRow{
		ID:          1,
		WindowStart: cfg.WindowStart.String(),
		WindowEnd:   cfg.WindowEnd.String(),
		GoalML:      cfg.GoalML,
		ServingML:   cfg.ServingML,
	}
	return d.gorm.WithContext(ctx).Save(&row).Error
}

// --- UserRepository ---

// GetByUsername retrieves a user by username, or nil when none exists.
func (d *DB) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	var row userRow
	err := d.gorm.WithContext(ctx).Where("username = ?", username).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// GetByID retrieves a user by ID, or nil when none exists.
func (d *DB) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	var row userRow
	err := d.gorm.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// Create creates a new user.
func (d *DB) Create(ctx context.Context, username, passwordHash string) (*domain.User, error) {
	row := userRow{Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	if err := d.gorm.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// Count returns the total number of users.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int64
	err := d.gorm.WithContext(ctx).Model(&userRow{}).Count(&n).Error
	return int(n), err
}

// --- SessionRepository ---

// SessionRepo implements session repository operations on DB.
type SessionRepo struct {
	db *DB
}

// NewSessionRepo wraps a DB as a SessionRepository.
func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Create creates a new session.
func (r *SessionRepo) Create(ctx context.Context, userID int64, token, userAgent, ip string, expiresAt time.Time) error {
	row := sessionRow{
		Token:     token,
		UserID:    userID,
		UserAgent: userAgent,
		IP:        ip,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	return r.db.gorm.WithContext(ctx).Omit(clause.Associations).Create(&row).Error
}

// GetByToken retrieves a session by token, or nil when none exists.
func (r *SessionRepo) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	var row sessionRow
	err := r.db.gorm.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		Token:     row.Token,
		UserID:    row.UserID,
		UserAgent: row.UserAgent,
		IP:        row.IP,
		ExpiresAt: row.ExpiresAt,
		CreatedAt: row.CreatedAt,
	}, nil
}

// Delete deletes a session by token.
func (r *SessionRepo) Delete(ctx context.Context, token string) error {
	return r.db.gorm.WithContext(ctx).Where("token = ?", token).Delete(&sessionRow{}).Error
}

// DeleteExpired deletes all expired sessions.
func (r *SessionRepo) DeleteExpired(ctx context.Context) error {
	return r.db.gorm.WithContext(ctx).Where("expires_at < ?", time.Now().UTC()).Delete(&sessionRow{}).Error
}
