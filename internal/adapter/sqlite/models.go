package sqlite

import (
	"time"

	"bottlesync/internal/domain"
)

type drinkRow struct {
	ID         string    `gorm:"primaryKey"`
	Month      uint8     `gorm:"not null"`
	Day        uint8     `gorm:"not null"`
	Hour       uint8     `gorm:"not null"`
	Minute     uint8     `gorm:"not null"`
	Second     uint8     `gorm:"not null"`
	VolumeML   uint8     `gorm:"column:volume_ml;not null"`
	Trailer    []byte    `gorm:"not null"`
	LocalDay   string    `gorm:"index;not null"`
	DrankAt    time.Time `gorm:"index;not null"`
	ReceivedAt time.Time `gorm:"not null"`
}

func (drinkRow) TableName() string { return "drinks" }

func toDrinkRow(d domain.StoredDrink) drinkRow {
	r := d.Record
	return drinkRow{
		ID:         r.ID,
		Month:      r.Month,
		Day:        r.Day,
		Hour:       r.Hour,
		Minute:     r.Minute,
		Second:     r.Second,
		VolumeML:   r.VolumeML,
		Trailer:    append([]byte(nil), r.Trailer[:]...),
		LocalDay:   d.LocalDay,
		DrankAt:    d.DrankAt.UTC(),
		ReceivedAt: d.ReceivedAt.UTC(),
	}
}

func (r drinkRow) toDomain() domain.StoredDrink {
	rec := domain.DrinkRecord{
		ID:       r.ID,
		Month:    r.Month,
		Day:      r.Day,
		Hour:     r.Hour,
		Minute:   r.Minute,
		Second:   r.Second,
		VolumeML: r.VolumeML,
	}
	copy(rec.Trailer[:], r.Trailer)
	return domain.StoredDrink{
		Record:     rec,
		LocalDay:   r.LocalDay,
		DrankAt:    r.DrankAt,
		ReceivedAt: r.ReceivedAt,
	}
}

// targetDeviceRow and scheduleRow hold a single row with ID 1.
type targetDeviceRow struct {
	ID          int `gorm:"primaryKey"`
	Address     string
	Name        string
	ConnectedAt time.Time
}

func (targetDeviceRow) TableName() string { return "target_device" }

type scheduleRow struct {
	ID          int `gorm:"primaryKey"`
	WindowStart string
	WindowEnd   string
	GoalML      int `gorm:"column:goal_ml"`
	ServingML   int `gorm:"column:serving_ml"`
	UpdatedAt   time.Time
}

func (scheduleRow) TableName() string { return "schedule" }

type userRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
}

func (userRow) TableName() string { return "users" }

func (u userRow) toDomain() *domain.User {
	return &domain.User{ID: u.ID, Username: u.Username, PasswordHash: u.PasswordHash, CreatedAt: u.CreatedAt}
}

type sessionRow struct {
	Token     string  `gorm:"primaryKey"`
	UserID    int64   `gorm:"index;not null"`
	User      userRow `gorm:"constraint:OnDelete:CASCADE"`
	UserAgent string
	IP        string    `gorm:"column:ip"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}

func (sessionRow) TableName() string { return "sessions" }
