package workflow

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables when they do not exist yet.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new bundle and its child rows in one transaction.
func (s *PgStore) Create(ctx context.Context, b model.Bundle) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		app := b.Application
		_, err := tx.Exec(ctx, `
			INSERT INTO applications (
				id, number, type_id, requester_id, status, current_step_index,
				created_at, updated_at, submitted_at, due_at, extra_bonus
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			app.ID, app.Number, app.TypeID, app.RequesterID, string(app.Status), app.CurrentStepIndex,
			app.CreatedAt, app.UpdatedAt, app.SubmittedAt, app.DueAt, extraBonusArg(b.ExtraBonus),
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("application %d already exists", app.ID))
		}
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		return writePgChildren(ctx, tx, b)
	})
}

// Get loads one bundle.
func (s *PgStore) Get(ctx context.Context, id int64) (model.Bundle, error) {
	var app model.Application
	var status string
	var extra []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, number, type_id, requester_id, status, current_step_index,
		       created_at, updated_at, submitted_at, due_at, extra_bonus
		FROM applications
		WHERE id = $1`,
		id,
	).Scan(&app.ID, &app.Number, &app.TypeID, &app.RequesterID, &status, &app.CurrentStepIndex,
		&app.CreatedAt, &app.UpdatedAt, &app.SubmittedAt, &app.DueAt, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bundle{}, model.NewApplicationNotFoundError(id)
	}
	if err != nil {
		return model.Bundle{}, fmt.Errorf("query application: %w", err)
	}
	app.Status = model.ApplicationStatus(status)
	normalizeAppTimes(&app)

	set := newBundleSet([]model.Application{app})
	set.setExtraBonus(app.ID, extra)
	if err := s.loadChildren(ctx, set, " WHERE application_id = $1", id); err != nil {
		return model.Bundle{}, err
	}
	return set.bundles()[0], nil
}

// List loads every bundle, newest first.
func (s *PgStore) List(ctx context.Context) ([]model.Bundle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, number, type_id, requester_id, status, current_step_index,
		       created_at, updated_at, submitted_at, due_at, extra_bonus
		FROM applications
		ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var apps []model.Application
	extras := map[int64][]byte{}
	for rows.Next() {
		var app model.Application
		var status string
		var extra []byte
		if err := rows.Scan(&app.ID, &app.Number, &app.TypeID, &app.RequesterID, &status, &app.CurrentStepIndex,
			&app.CreatedAt, &app.UpdatedAt, &app.SubmittedAt, &app.DueAt, &extra); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		app.Status = model.ApplicationStatus(status)
		normalizeAppTimes(&app)
		if len(extra) > 0 {
			extras[app.ID] = extra
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applications: %w", err)
	}

	set := newBundleSet(apps)
	for id, raw := range extras {
		set.setExtraBonus(id, raw)
	}
	if len(apps) > 0 {
		if err := s.loadChildren(ctx, set, ""); err != nil {
			return nil, err
		}
	}
	return set.bundles(), nil
}

// Save updates the application row and rewrites its child rows. Audit
// entries are only ever inserted.
func (s *PgStore) Save(ctx context.Context, b model.Bundle) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		app := b.Application
		tag, err := tx.Exec(ctx, `
			UPDATE applications SET
				number = $1, type_id = $2, requester_id = $3, status = $4, current_step_index = $5,
				created_at = $6, updated_at = $7, submitted_at = $8, due_at = $9, extra_bonus = $10
			WHERE id = $11`,
			app.Number, app.TypeID, app.RequesterID, string(app.Status), app.CurrentStepIndex,
			app.CreatedAt, app.UpdatedAt, app.SubmittedAt, app.DueAt, extraBonusArg(b.ExtraBonus),
			app.ID,
		)
		if err != nil {
			return fmt.Errorf("update application: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewApplicationNotFoundError(app.ID)
		}

		for _, table := range []string{"application_field_values", "application_attachments", "application_delegates"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE application_id = $1", app.ID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return writePgChildren(ctx, tx, b)
	})
}

// writePgChildren queues every child insert in one batch.
func writePgChildren(ctx context.Context, tx pgx.Tx, b model.Bundle) error {
	id := b.Application.ID
	batch := &pgx.Batch{}
	for i, v := range b.Values {
		batch.Queue(`INSERT INTO application_field_values (application_id, position, field_key, value)
			VALUES ($1, $2, $3, $4)`, id, i, v.Key, v.Value)
	}
	for _, a := range b.Attachments {
		batch.Queue(`INSERT INTO application_attachments (id, application_id, name, url, uploaded_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`, a.ID, id, a.Name, a.URL, a.UploadedBy, a.CreatedAt)
	}
	for _, e := range b.AuditTrail {
		batch.Queue(`INSERT INTO application_audit_log (id, application_id, actor_id, action, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`, e.ID, id, e.ActorID, string(e.Action), e.Comment, e.At)
	}
	for _, d := range b.Delegates {
		batch.Queue(`INSERT INTO application_delegates (id, application_id, for_role_id, delegate_user_id)
			VALUES ($1, $2, $3, $4)`, d.ID, id, d.ForRoleID, d.DelegateUserID)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write child rows of application %d: %w", id, err)
	}
	return nil
}

func (s *PgStore) loadChildren(ctx context.Context, set *bundleSet, where string, args ...any) error {
	rows, err := s.pool.Query(ctx, `
		SELECT application_id, field_key, value
		FROM application_field_values`+where+`
		ORDER BY application_id, position`, args...)
	if err != nil {
		return fmt.Errorf("query field values: %w", err)
	}
	values, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FieldValue, error) {
		var v model.FieldValue
		err := row.Scan(&v.ApplicationID, &v.Key, &v.Value)
		return v, err
	})
	if err != nil {
		return fmt.Errorf("scan field values: %w", err)
	}
	for _, v := range values {
		set.addValue(v)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, application_id, name, url, uploaded_by, created_at
		FROM application_attachments`+where+`
		ORDER BY id`, args...)
	if err != nil {
		return fmt.Errorf("query attachments: %w", err)
	}
	attachments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Attachment, error) {
		var a model.Attachment
		err := row.Scan(&a.ID, &a.ApplicationID, &a.Name, &a.URL, &a.UploadedBy, &a.CreatedAt)
		a.CreatedAt = a.CreatedAt.UTC()
		return a, err
	})
	if err != nil {
		return fmt.Errorf("scan attachments: %w", err)
	}
	for _, a := range attachments {
		set.addAttachment(a)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, application_id, actor_id, action, comment, created_at
		FROM application_audit_log`+where+`
		ORDER BY id`, args...)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditEntry, error) {
		var e model.AuditEntry
		var action string
		err := row.Scan(&e.ID, &e.ApplicationID, &e.ActorID, &action, &e.Comment, &e.At)
		e.Action = model.AuditAction(action)
		e.At = e.At.UTC()
		return e, err
	})
	if err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	for _, e := range entries {
		set.addAudit(e)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, application_id, for_role_id, delegate_user_id
		FROM application_delegates`+where+`
		ORDER BY id`, args...)
	if err != nil {
		return fmt.Errorf("query delegates: %w", err)
	}
	delegates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Delegate, error) {
		var d model.Delegate
		err := row.Scan(&d.ID, &d.ApplicationID, &d.ForRoleID, &d.DelegateUserID)
		return d, err
	})
	if err != nil {
		return fmt.Errorf("scan delegates: %w", err)
	}
	for _, d := range delegates {
		set.addDelegate(d)
	}
	return nil
}

// normalizeAppTimes converts scanned timestamps to UTC.
func normalizeAppTimes(app *model.Application) {
	app.CreatedAt = app.CreatedAt.UTC()
	app.UpdatedAt = app.UpdatedAt.UTC()
	app.SubmittedAt = utcPtr(app.SubmittedAt)
	app.DueAt = utcPtr(app.DueAt)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
