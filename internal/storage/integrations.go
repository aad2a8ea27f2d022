package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"procure/internal"
)

const integrationColumns = `id, user_id, provider, imap_host, imap_port, imap_user, imap_pass_encrypted,
status, last_synced_at, last_error, created_at`

type integrationRow struct {
	ID                string         `db:"id"`
	UserID            string         `db:"user_id"`
	Provider          string         `db:"provider"`
	IMAPHost          string         `db:"imap_host"`
	IMAPPort          int            `db:"imap_port"`
	IMAPUser          string         `db:"imap_user"`
	IMAPPassEncrypted string         `db:"imap_pass_encrypted"`
	Status            string         `db:"status"`
	LastSyncedAt      timestamp      `db:"last_synced_at"`
	LastError         sql.NullString `db:"last_error"`
	CreatedAt         timestamp      `db:"created_at"`
}

func (r integrationRow) toIntegration() internal.EmailIntegration {
	return internal.EmailIntegration{
		ID:                r.ID,
		UserID:            r.UserID,
		Provider:          internal.Provider(r.Provider),
		IMAPHost:          r.IMAPHost,
		IMAPPort:          r.IMAPPort,
		IMAPUser:          r.IMAPUser,
		IMAPPassEncrypted: r.IMAPPassEncrypted,
		Status:            internal.IntegrationStatus(r.Status),
		LastSyncedAt:      r.LastSyncedAt.ptr(),
		LastError:         stringPtr(r.LastError),
		CreatedAt:         r.CreatedAt.Time,
	}
}

func (d *DB) CreateIntegration(ctx context.Context, in *internal.EmailIntegration) error {
	in.ID = uuid.NewString()
	in.CreatedAt = d.now().UTC()
	if in.Status == "" {
		in.Status = internal.IntegrationActive
	}
	_, err := d.conn.ExecContext(ctx, d.rebind(`
INSERT INTO email_integrations (`+integrationColumns+`)
VALUES (`+placeholders(11)+`)`),
		in.ID, in.UserID, string(in.Provider), in.IMAPHost, in.IMAPPort, in.IMAPUser, in.IMAPPassEncrypted,
		string(in.Status), formatTimePtr(in.LastSyncedAt), in.LastError, formatTime(in.CreatedAt),
	)
	return err
}

func (d *DB) GetIntegration(ctx context.Context, id string) (*internal.EmailIntegration, error) {
	var row integrationRow
	err := d.conn.GetContext(ctx, &row, d.rebind(`SELECT `+integrationColumns+` FROM email_integrations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("integration", id)
	}
	if err != nil {
		return nil, err
	}
	in := row.toIntegration()
	return &in, nil
}

// ListIntegrations filters by status; an empty status returns all.
func (d *DB) ListIntegrations(ctx context.Context, status internal.IntegrationStatus) ([]internal.EmailIntegration, error) {
	query := `SELECT ` + integrationColumns + ` FROM email_integrations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	var rows []integrationRow
	if err := d.conn.SelectContext(ctx, &rows, d.rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]internal.EmailIntegration, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toIntegration())
	}
	return out, nil
}

// UpdateIntegrationSync moves last_synced_at forward. Older values are
// ignored so the watermark never goes back.
func (d *DB) UpdateIntegrationSync(ctx context.Context, id string, syncedAt time.Time) error {
	value := formatTime(syncedAt)
	_, err := d.conn.ExecContext(ctx, d.rebind(`
UPDATE email_integrations SET last_synced_at = ?, last_error = NULL
WHERE id = ? AND (last_synced_at IS NULL OR last_synced_at < ?)`), value, id, value)
	return err
}

func (d *DB) MarkIntegrationError(ctx context.Context, id, message string) error {
	return d.execOne(ctx, "integration", id, `
UPDATE email_integrations SET status = ?, last_error = ? WHERE id = ?`,
		string(internal.IntegrationError), message, id)
}

func (d *DB) UpdateIntegrationPassword(ctx context.Context, id, encrypted string) error {
	return d.execOne(ctx, "integration", id, `
UPDATE email_integrations SET imap_pass_encrypted = ? WHERE id = ?`, encrypted, id)
}

func (d *DB) DeleteIntegration(ctx context.Context, id string) error {
	return d.execOne(ctx, "integration", id, `DELETE FROM email_integrations WHERE id = ?`, id)
}

type teamMemberRow struct {
	ID        string         `db:"id"`
	UserID    string         `db:"user_id"`
	Name      string         `db:"name"`
	Email     sql.NullString `db:"email"`
	CreatedAt timestamp      `db:"created_at"`
}

func (r teamMemberRow) toTeamMember() internal.TeamMember {
	return internal.TeamMember{
		ID:        r.ID,
		UserID:    r.UserID,
		Name:      r.Name,
		Email:     stringPtr(r.Email),
		CreatedAt: r.CreatedAt.Time,
	}
}

func (d *DB) CreateTeamMember(ctx context.Context, m *internal.TeamMember) error {
	m.ID = uuid.NewString()
	m.CreatedAt = d.now().UTC()
	_, err := d.conn.ExecContext(ctx, d.rebind(`
INSERT INTO team_members (id, user_id, name, email, created_at) VALUES (?, ?, ?, ?, ?)`),
		m.ID, m.UserID, m.Name, m.Email, formatTime(m.CreatedAt))
	return err
}

func (d *DB) GetTeamMember(ctx context.Context, id string) (*internal.TeamMember, error) {
	var row teamMemberRow
	err := d.conn.GetContext(ctx, &row, d.rebind(`SELECT id, user_id, name, email, created_at FROM team_members WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("team member", id)
	}
	if err != nil {
		return nil, err
	}
	m := row.toTeamMember()
	return &m, nil
}

func (d *DB) ListTeamMembers(ctx context.Context, userID string) ([]internal.TeamMember, error) {
	var rows []teamMemberRow
	err := d.conn.SelectContext(ctx, &rows, d.rebind(`
SELECT id, user_id, name, email, created_at FROM team_members
WHERE user_id = ?
ORDER BY name ASC`), userID)
	if err != nil {
		return nil, err
	}
	out := make([]internal.TeamMember, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toTeamMember())
	}
	return out, nil
}

func (d *DB) execOne(ctx context.Context, what, id, query string, args ...any) error {
	res, err := d.conn.ExecContext(ctx, d.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(what, id)
	}
	return nil
}
