package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bottlesync/internal/domain"
)

// SaveDrinks upserts drinks keyed by record identity in one transaction.
func (d *DB) SaveDrinks(ctx context.Context, drinks []domain.StoredDrink) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO drinks(id, month, day, hour, minute, second, volume_ml, trailer, local_day, drank_at, received_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET local_day = EXCLUDED.local_day, drank_at = EXCLUDED.drank_at, received_at = EXCLUDED.received_at;`)
	if err != nil {
		return err
	}
	defer stmt.Close() //nolint:errcheck

	for _, dr := range drinks {
		r := dr.Record
		if r.ID == "" {
			return errors.New("drink record has no identity")
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Month, r.Day, r.Hour, r.Minute, r.Second, r.VolumeML, r.Trailer[:],
			dr.LocalDay, dr.DrankAt.UTC(), dr.ReceivedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert drink %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// DrinksForLocalDay returns the drinks stored for day in drinking order.
func (d *DB) DrinksForLocalDay(ctx context.Context, localDay string) ([]domain.DrinkRecord, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, month, day, hour, minute, second, volume_ml, trailer, local_day, drank_at, received_at
		FROM drinks WHERE local_day=$1 ORDER BY drank_at ASC;`, localDay)
	if err != nil {
		return nil, err
	}
	stored, err := scanDrinks(rows)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DrinkRecord, 0, len(stored))
	for _, s := range stored {
		out = append(out, s.Record)
	}
	return out, nil
}

// DrinkTotalForLocalDay returns the summed volume in ml for day.
func (d *DB) DrinkTotalForLocalDay(ctx context.Context, localDay string) (int, error) {
	var total sql.NullInt64
	err := d.sql.QueryRowContext(ctx,
		"SELECT SUM(volume_ml) FROM drinks WHERE local_day=$1;", localDay,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// ListRecentDrinks returns the most recent drinks up to limit, newest first.
func (d *DB) ListRecentDrinks(ctx context.Context, limit int) ([]domain.StoredDrink, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, month, day, hour, minute, second, volume_ml, trailer, local_day, drank_at, received_at
		FROM drinks ORDER BY drank_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	return scanDrinks(rows)
}

func scanDrinks(rows *sql.Rows) ([]domain.StoredDrink, error) {
	defer rows.Close() //nolint:errcheck

	var out []domain.StoredDrink
	for rows.Next() {
		var (
			s       domain.StoredDrink
			trailer []byte
		)
		r := &s.Record
		if err := rows.Scan(&r.ID, &r.Month, &r.Day, &r.Hour, &r.Minute, &r.Second, &r.VolumeML, &trailer,
			&s.LocalDay, &s.DrankAt, &s.ReceivedAt); err != nil {
			return nil, err
		}
		copy(r.Trailer[:], trailer)
		out = append(out, s)
	}
	return out, rows.Err()
}
