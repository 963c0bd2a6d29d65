package workflow

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pitabwire/approvals/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// Schema versions:
// 1 - initial tables
// 2 - index on pending due dates
const sqliteSchemaVersion = 2

// SQLiteStore is a single-file Store backed by SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path and brings its
// schema up to date.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite database: %w", err)
	}

	// One connection: sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < 2 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_applications_pending_due
			ON applications(due_at) WHERE status = 'PENDING'`); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new bundle and all of its child rows.
func (s *SQLiteStore) Create(ctx context.Context, b model.Bundle) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		app := b.Application
		_, err := tx.ExecContext(ctx, `
			INSERT INTO applications (
				id, number, type_id, requester_id, status, current_step_index,
				created_at, updated_at, submitted_at, due_at, extra_bonus
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			app.ID, app.Number, app.TypeID, app.RequesterID, string(app.Status), app.CurrentStepIndex,
			formatTime(app.CreatedAt), formatTime(app.UpdatedAt),
			formatNullTime(app.SubmittedAt), formatNullTime(app.DueAt), extraBonusArg(b.ExtraBonus),
		)
		if isSQLiteConstraint(err) {
			return model.NewConflictError(fmt.Sprintf("application %d already exists", app.ID))
		}
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		return s.writeChildren(ctx, tx, b)
	})
}

// Get loads one bundle.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (model.Bundle, error) {
	bundles, err := s.load(ctx, &id)
	if err != nil {
		return model.Bundle{}, err
	}
	if len(bundles) == 0 {
		return model.Bundle{}, model.NewApplicationNotFoundError(id)
	}
	return bundles[0], nil
}

// List loads every bundle, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]model.Bundle, error) {
	return s.load(ctx, nil)
}

// Save updates the application row and rewrites its child rows. Audit
// entries are only ever inserted.
func (s *SQLiteStore) Save(ctx context.Context, b model.Bundle) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		app := b.Application
		res, err := tx.ExecContext(ctx, `
			UPDATE applications SET
				number = ?, type_id = ?, requester_id = ?, status = ?, current_step_index = ?,
				created_at = ?, updated_at = ?, submitted_at = ?, due_at = ?, extra_bonus = ?
			WHERE id = ?`,
			app.Number, app.TypeID, app.RequesterID, string(app.Status), app.CurrentStepIndex,
			formatTime(app.CreatedAt), formatTime(app.UpdatedAt),
			formatNullTime(app.SubmittedAt), formatNullTime(app.DueAt), extraBonusArg(b.ExtraBonus),
			app.ID,
		)
		if err != nil {
			return fmt.Errorf("update application: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update application: %w", err)
		} else if n == 0 {
			return model.NewApplicationNotFoundError(app.ID)
		}

		for _, table := range []string{"application_field_values", "application_attachments", "application_delegates"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE application_id = ?", app.ID); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return s.writeChildren(ctx, tx, b)
	})
}

func (s *SQLiteStore) writeChildren(ctx context.Context, tx *sql.Tx, b model.Bundle) error {
	id := b.Application.ID
	for i, v := range b.Values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO application_field_values (application_id, position, field_key, value)
			VALUES (?, ?, ?, ?)`,
			id, i, v.Key, v.Value,
		); err != nil {
			return fmt.Errorf("insert field value %q: %w", v.Key, err)
		}
	}
	for _, a := range b.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO application_attachments (id, application_id, name, url, uploaded_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, id, a.Name, a.URL, a.UploadedBy, formatTime(a.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert attachment %d: %w", a.ID, err)
		}
	}
	for _, e := range b.AuditTrail {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO application_audit_log (id, application_id, actor_id, action, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			e.ID, id, e.ActorID, string(e.Action), e.Comment, formatTime(e.At),
		); err != nil {
			return fmt.Errorf("insert audit entry %d: %w", e.ID, err)
		}
	}
	for _, d := range b.Delegates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO application_delegates (id, application_id, for_role_id, delegate_user_id)
			VALUES (?, ?, ?, ?)`,
			d.ID, id, d.ForRoleID, d.DelegateUserID,
		); err != nil {
			return fmt.Errorf("insert delegate %d: %w", d.ID, err)
		}
	}
	return nil
}

// load reads bundles, all of them when id is nil.
func (s *SQLiteStore) load(ctx context.Context, id *int64) ([]model.Bundle, error) {
	where, args := "", []any(nil)
	if id != nil {
		where, args = " WHERE application_id = ?", []any{*id}
	}
	appWhere := ""
	if id != nil {
		appWhere = " WHERE id = ?"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, type_id, requester_id, status, current_step_index,
		       created_at, updated_at, submitted_at, due_at, extra_bonus
		FROM applications`+appWhere+`
		ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	var (
		apps   []model.Application
		extras = map[int64][]byte{}
	)
	err = scanRows(rows, func() error {
		var (
			app                 model.Application
			status              string
			created, updated    string
			submitted, due, bon sql.NullString
		)
		if err := rows.Scan(&app.ID, &app.Number, &app.TypeID, &app.RequesterID, &status, &app.CurrentStepIndex,
			&created, &updated, &submitted, &due, &bon); err != nil {
			return err
		}
		app.Status = model.ApplicationStatus(status)
		var perr error
		app.CreatedAt, perr = parseTime(created)
		if perr == nil {
			app.UpdatedAt, perr = parseTime(updated)
		}
		if perr == nil {
			app.SubmittedAt, perr = parseNullTime(submitted)
		}
		if perr == nil {
			app.DueAt, perr = parseNullTime(due)
		}
		if perr != nil {
			return perr
		}
		if bon.Valid {
			extras[app.ID] = []byte(bon.String)
		}
		apps = append(apps, app)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan applications: %w", err)
	}

	set := newBundleSet(apps)
	for appID, raw := range extras {
		set.setExtraBonus(appID, raw)
	}
	if len(apps) == 0 {
		return set.bundles(), nil
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT application_id, field_key, value
		FROM application_field_values`+where+`
		ORDER BY application_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("query field values: %w", err)
	}
	if err := scanRows(rows, func() error {
		var v model.FieldValue
		if err := rows.Scan(&v.ApplicationID, &v.Key, &v.Value); err != nil {
			return err
		}
		set.addValue(v)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan field values: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, application_id, name, url, uploaded_by, created_at
		FROM application_attachments`+where+`
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	if err := scanRows(rows, func() error {
		var (
			a  model.Attachment
			at string
		)
		if err := rows.Scan(&a.ID, &a.ApplicationID, &a.Name, &a.URL, &a.UploadedBy, &at); err != nil {
			return err
		}
		t, err := parseTime(at)
		if err != nil {
			return err
		}
		a.CreatedAt = t
		set.addAttachment(a)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan attachments: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, application_id, actor_id, action, comment, created_at
		FROM application_audit_log`+where+`
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	if err := scanRows(rows, func() error {
		var (
			e      model.AuditEntry
			action string
			at     string
		)
		if err := rows.Scan(&e.ID, &e.ApplicationID, &e.ActorID, &action, &e.Comment, &at); err != nil {
			return err
		}
		t, err := parseTime(at)
		if err != nil {
			return err
		}
		e.Action = model.AuditAction(action)
		e.At = t
		set.addAudit(e)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, application_id, for_role_id, delegate_user_id
		FROM application_delegates`+where+`
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query delegates: %w", err)
	}
	if err := scanRows(rows, func() error {
		var d model.Delegate
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.ForRoleID, &d.DelegateUserID); err != nil {
			return err
		}
		set.addDelegate(d)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan delegates: %w", err)
	}

	return set.bundles(), nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// scanRows calls fn for each row and closes rows.
func scanRows(rows *sql.Rows, fn func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return rows.Err()
}

func isSQLiteConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
