package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"procure/internal"
)

const requestColumns = `id, created_at, updated_at, user_id, product_name, quantity, target_price,
found_price, category, source, status, link, assigned_to`

const optionColumns = `id, request_id, created_at, vendor, product_title, price, url,
image_url, rating, rating_count, product_id, position, is_selected`

type requestRow struct {
	ID          string          `db:"id"`
	CreatedAt   timestamp       `db:"created_at"`
	UpdatedAt   timestamp       `db:"updated_at"`
	UserID      string          `db:"user_id"`
	ProductName string          `db:"product_name"`
	Quantity    int             `db:"quantity"`
	TargetPrice float64         `db:"target_price"`
	FoundPrice  sql.NullFloat64 `db:"found_price"`
	Category    sql.NullString  `db:"category"`
	Source      string          `db:"source"`
	Status      string          `db:"status"`
	Link        sql.NullString  `db:"link"`
	AssignedTo  sql.NullString  `db:"assigned_to"`
}

func (r requestRow) toRequest() internal.Request {
	return internal.Request{
		ID:          r.ID,
		CreatedAt:   r.CreatedAt.Time,
		UpdatedAt:   r.UpdatedAt.Time,
		UserID:      r.UserID,
		ProductName: r.ProductName,
		Quantity:    r.Quantity,
		TargetPrice: r.TargetPrice,
		FoundPrice:  floatPtr(r.FoundPrice),
		Category:    stringPtr(r.Category),
		Source:      internal.RequestSource(r.Source),
		Status:      internal.RequestStatus(r.Status),
		Link:        stringPtr(r.Link),
		AssignedTo:  stringPtr(r.AssignedTo),
	}
}

type optionRow struct {
	ID           string          `db:"id"`
	RequestID    string          `db:"request_id"`
	CreatedAt    timestamp       `db:"created_at"`
	Vendor       string          `db:"vendor"`
	ProductTitle string          `db:"product_title"`
	Price        float64         `db:"price"`
	URL          string          `db:"url"`
	ImageURL     sql.NullString  `db:"image_url"`
	Rating       sql.NullFloat64 `db:"rating"`
	RatingCount  sql.NullInt64   `db:"rating_count"`
	ProductID    sql.NullString  `db:"product_id"`
	Position     sql.NullInt64   `db:"position"`
	IsSelected   bool            `db:"is_selected"`
}

func (r optionRow) toOption() internal.SourcingOption {
	return internal.SourcingOption{
		ID:           r.ID,
		RequestID:    r.RequestID,
		CreatedAt:    r.CreatedAt.Time,
		Vendor:       r.Vendor,
		ProductTitle: r.ProductTitle,
		Price:        r.Price,
		URL:          r.URL,
		ImageURL:     stringPtr(r.ImageURL),
		Rating:       floatPtr(r.Rating),
		RatingCount:  intPtr(r.RatingCount),
		ProductID:    stringPtr(r.ProductID),
		Position:     intPtr(r.Position),
		IsSelected:   r.IsSelected,
	}
}

// Decision is a final human verdict on a request.
type Decision struct {
	RequestID        string
	Status           internal.RequestStatus
	SelectedOptionID string
	FoundPrice       *float64
	Link             *string
}

// CreateRequest assigns id and timestamps and stores r.
func (d *DB) CreateRequest(ctx context.Context, r *internal.Request) error {
	now := d.now().UTC()
	r.ID = uuid.NewString()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = internal.StatusPending
	}

	_, err := d.conn.ExecContext(ctx, d.rebind(`
INSERT INTO requests (`+requestColumns+`)
VALUES (`+placeholders(13)+`)`),
		r.ID, formatTime(now), formatTime(now), r.UserID, r.ProductName, r.Quantity, r.TargetPrice,
		r.FoundPrice, r.Category, string(r.Source), string(r.Status), r.Link, r.AssignedTo,
	)
	return err
}

func (d *DB) GetRequest(ctx context.Context, id string) (*internal.Request, error) {
	var row requestRow
	err := d.conn.GetContext(ctx, &row, d.rebind(`SELECT `+requestColumns+` FROM requests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("request", id)
	}
	if err != nil {
		return nil, err
	}
	r := row.toRequest()
	return &r, nil
}

// ListRequestsByStatus returns the oldest requests first. A non-empty
// afterID continues from that request in (created_at, id) order.
func (d *DB) ListRequestsByStatus(ctx context.Context, status internal.RequestStatus, afterID string, limit int) ([]internal.Request, error) {
	if limit <= 0 {
		limit = 1000
	}
	where := `status = ?`
	args := []any{string(status)}
	if afterID != "" {
		where += ` AND (created_at, id) > (SELECT created_at, id FROM requests WHERE id = ?)`
		args = append(args, afterID)
	}
	args = append(args, limit)

	var rows []requestRow
	err := d.conn.SelectContext(ctx, &rows, d.rebind(`
SELECT `+requestColumns+` FROM requests
WHERE `+where+`
ORDER BY created_at ASC, id ASC
LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	return toRequests(rows), nil
}

// ListRequestsUpdatedSince returns requests written after the key
// (since, afterID), in (updated_at, id) order. An empty afterID means strictly
// after since. Callers page by passing back the last row's key.
func (d *DB) ListRequestsUpdatedSince(ctx context.Context, since time.Time, afterID string, limit int) ([]internal.Request, error) {
	if limit <= 0 {
		limit = 500
	}
	where := `updated_at > ?`
	args := []any{formatTime(since)}
	if afterID != "" {
		where = `(updated_at > ? OR (updated_at = ? AND id > ?))`
		args = append(args, formatTime(since), afterID)
	}
	args = append(args, limit)

	var rows []requestRow
	err := d.conn.SelectContext(ctx, &rows, d.rebind(`
SELECT `+requestColumns+` FROM requests
WHERE `+where+`
ORDER BY updated_at ASC, id ASC
LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	return toRequests(rows), nil
}

// AttachOptions stores options and moves the request to action_required in
// one transaction. It reports false, storing nothing, when the request is no
// longer pending.
func (d *DB) AttachOptions(ctx context.Context, requestID string, options []internal.SourcingOption) (bool, error) {
	now := d.now().UTC()
	return d.inTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, d.rebind(`
UPDATE requests SET status = ?, updated_at = ?
WHERE id = ? AND status = ?`),
			string(internal.StatusActionRequired), formatTime(now), requestID, string(internal.StatusPending))
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return false, err
		}

		stmt, err := tx.PreparexContext(ctx, d.rebind(`
INSERT INTO sourcing_options (`+optionColumns+`)
VALUES (`+placeholders(13)+`)`))
		if err != nil {
			return false, err
		}
		defer stmt.Close()

		for i := range options {
			o := &options[i]
			o.ID = uuid.NewString()
			o.RequestID = requestID
			o.CreatedAt = now
			o.IsSelected = false
			if _, err := stmt.ExecContext(ctx,
				o.ID, o.RequestID, formatTime(now), o.Vendor, o.ProductTitle, o.Price, o.URL,
				o.ImageURL, o.Rating, o.RatingCount, o.ProductID, o.Position, false,
			); err != nil {
				return false, fmt.Errorf("insert option: %w", err)
			}
		}
		return true, nil
	})
}

// ListOptions returns the options of a request, cheapest first.
func (d *DB) ListOptions(ctx context.Context, requestID string) ([]internal.SourcingOption, error) {
	var rows []optionRow
	err := d.conn.SelectContext(ctx, &rows, d.rebind(`
SELECT `+optionColumns+` FROM sourcing_options
WHERE request_id = ?
ORDER BY price ASC, position ASC, id ASC`), requestID)
	if err != nil {
		return nil, err
	}
	out := make([]internal.SourcingOption, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toOption())
	}
	return out, nil
}

func (d *DB) GetOption(ctx context.Context, id string) (*internal.SourcingOption, error) {
	var row optionRow
	err := d.conn.GetContext(ctx, &row, d.rebind(`SELECT `+optionColumns+` FROM sourcing_options WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("option", id)
	}
	if err != nil {
		return nil, err
	}
	o := row.toOption()
	return &o, nil
}

// FinalizeRequest applies a decision in one transaction: the request gets its
// final status, the chosen option (if any) is marked, and all options are
// deleted. It reports false when the request was already final.
func (d *DB) FinalizeRequest(ctx context.Context, dec Decision) (bool, error) {
	if !dec.Status.Final() {
		return false, fmt.Errorf("decision status %q is not final", dec.Status)
	}
	now := d.now().UTC()
	return d.inTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, d.rebind(`
UPDATE requests SET status = ?, found_price = ?, link = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?)`),
			string(dec.Status), dec.FoundPrice, dec.Link, formatTime(now),
			dec.RequestID, string(internal.StatusPending), string(internal.StatusActionRequired))
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return false, err
		}

		if dec.SelectedOptionID != "" {
			res, err := tx.ExecContext(ctx, d.rebind(`
UPDATE sourcing_options SET is_selected = ?
WHERE id = ? AND request_id = ?`), true, dec.SelectedOptionID, dec.RequestID)
			if err != nil {
				return false, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return false, err
			}
			if n == 0 {
				return false, notFound("option", dec.SelectedOptionID)
			}
		}

		if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM sourcing_options WHERE request_id = ?`), dec.RequestID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// AssignRequest sets or clears the team member responsible for a request.
func (d *DB) AssignRequest(ctx context.Context, requestID string, memberID *string) error {
	return d.execOne(ctx, "request", requestID, `
UPDATE requests SET assigned_to = ?, updated_at = ? WHERE id = ?`,
		memberID, formatTime(d.now()), requestID)
}

func toRequests(rows []requestRow) []internal.Request {
	out := make([]internal.Request, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRequest())
	}
	return out
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
