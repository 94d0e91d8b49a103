/*
Package sqlite persists the admin-owned and audit state of the
allocation service.

PURPOSE:
  Office closures, capacity overrides, allocation records and system
  settings are owned here; the HR employee directory and approved leave
  are mirrored here by an external sync job and read when present.
  Adviser, deal and meeting data never lands in this database - the CRM
  stays the source of truth and the gateway reads it live.

KEY TABLES:
  office_closures:     global and adviser-scoped blocked date ranges
  capacity_overrides:  dated replacements of an adviser's monthly limit
  allocation_records:  audit log of allocation outcomes
  settings:            key/value knobs (prestart_weeks)
  employees:           HR id <-> email mirror
  leave_requests:      approved leave mirror

IDEMPOTENCY:
  A partial unique index on allocation_records(deal_id) over success
  rows enforces at most one live decision per deal; re-allocating the
  same deal updates that row in place under its original id. Failed
  attempts are plain inserts.

CONCURRENCY:
  WAL mode with foreign keys on; a sync.RWMutex serializes the
  read-then-write record upsert.

ERROR CONTRACT:
  Every failure is a *engine.StoreError (NotFound for missing rows,
  Unavailable for driver trouble) so callers never see sqlite errors.

SEE ALSO:
  - engine/store.go: the interface this backs (via store.Gateway)
  - store/gateway.go: composition with the CRM and HR clients
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

// Employee is one row of the HR directory mirror.
type Employee struct {
	ID    string
	Email string
}

// DB is the sqlite-backed admin store. Use ":memory:" for tests.
type DB struct {
	db *sql.DB
	mu sync.RWMutex
}

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *DB) Close() error { return s.db.Close() }

// Ping reports whether the database answers. Used by the health endpoint.
func (s *DB) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, "sqlite.Ping", err)
	}
	return nil
}

func (s *DB) migrate() error {
	schema := `
	-- Office closures: adviser_email empty = applies to everyone
	CREATE TABLE IF NOT EXISTS office_closures (
		id TEXT PRIMARY KEY,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		description TEXT NOT NULL,
		tags_json TEXT,
		adviser_email TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_closures_adviser
		ON office_closures(adviser_email);
	CREATE INDEX IF NOT EXISTS idx_closures_dates
		ON office_closures(start_date, end_date);

	-- Capacity overrides: dated replacements of the monthly client limit
	CREATE TABLE IF NOT EXISTS capacity_overrides (
		id TEXT PRIMARY KEY,
		adviser_email TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		client_limit_monthly INTEGER NOT NULL,
		pod_type TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_adviser_effective
		ON capacity_overrides(adviser_email, effective_date DESC);

	-- Allocation audit log
	CREATE TABLE IF NOT EXISTS allocation_records (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		adviser_id TEXT NOT NULL,
		adviser_email TEXT NOT NULL,
		service_package TEXT,
		household_type TEXT,
		earliest_week TEXT,
		week_label TEXT,
		decided_at TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		requester_ip TEXT,
		user_agent TEXT,
		extra_json TEXT
	);

	-- At most one live decision per deal; failures are unconstrained
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_success_deal
		ON allocation_records(deal_id) WHERE status = 'success';
	CREATE INDEX IF NOT EXISTS idx_records_decided_at
		ON allocation_records(decided_at DESC);

	-- Settings
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- HR mirrors, written by the external sync job
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_employee_dates
		ON leave_requests(employee_id, start_date, end_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// OFFICE CLOSURES
// =============================================================================

const closureColumns = "id, start_date, end_date, description, tags_json, adviser_email"

func (s *DB) ListClosures(ctx context.Context) ([]engine.OfficeClosure, error) {
	return s.queryClosures(ctx, "sqlite.ListClosures",
		`SELECT `+closureColumns+` FROM office_closures ORDER BY start_date, id`)
}

func (s *DB) GetGlobalClosures(ctx context.Context) ([]engine.OfficeClosure, error) {
	return s.queryClosures(ctx, "sqlite.GetGlobalClosures",
		`SELECT `+closureColumns+` FROM office_closures WHERE adviser_email = '' ORDER BY start_date, id`)
}

func (s *DB) GetAdviserClosures(ctx context.Context, adviserEmail string) ([]engine.OfficeClosure, error) {
	return s.queryClosures(ctx, "sqlite.GetAdviserClosures",
		`SELECT `+closureColumns+` FROM office_closures WHERE adviser_email = ? COLLATE NOCASE ORDER BY start_date, id`,
		strings.ToLower(adviserEmail))
}

func (s *DB) CreateClosure(ctx context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error) {
	const op = "sqlite.CreateClosure"
	c.ID = uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO office_closures (id, start_date, end_date, description, tags_json, adviser_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, calendar.FormatDate(c.StartDate), calendar.FormatDate(c.EndDate),
		c.Description, marshalTags(c.Tags), strings.ToLower(c.AdviserEmail), now, now)
	if err != nil {
		return engine.OfficeClosure{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return c, nil
}

func (s *DB) UpdateClosure(ctx context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error) {
	const op = "sqlite.UpdateClosure"
	res, err := s.db.ExecContext(ctx, `
		UPDATE office_closures
		SET start_date = ?, end_date = ?, description = ?, tags_json = ?, adviser_email = ?, updated_at = ?
		WHERE id = ?`,
		calendar.FormatDate(c.StartDate), calendar.FormatDate(c.EndDate),
		c.Description, marshalTags(c.Tags), strings.ToLower(c.AdviserEmail),
		time.Now().UTC().Format(time.RFC3339), c.ID)
	if err != nil {
		return engine.OfficeClosure{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.OfficeClosure{}, engine.NewStoreError(engine.StoreNotFound, op, nil)
	}
	return c, nil
}

func (s *DB) DeleteClosure(ctx context.Context, id string) error {
	const op = "sqlite.DeleteClosure"
	res, err := s.db.ExecContext(ctx, `DELETE FROM office_closures WHERE id = ?`, id)
	if err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.NewStoreError(engine.StoreNotFound, op, nil)
	}
	return nil
}

func (s *DB) queryClosures(ctx context.Context, op, query string, args ...any) ([]engine.OfficeClosure, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	defer rows.Close()

	var out []engine.OfficeClosure
	for rows.Next() {
		var c engine.OfficeClosure
		var start, end string
		var tags sql.NullString
		if err := rows.Scan(&c.ID, &start, &end, &c.Description, &tags, &c.AdviserEmail); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		if c.StartDate, err = calendar.ParseDate(start); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		if c.EndDate, err = calendar.ParseDate(end); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		c.Tags = unmarshalTags(tags)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return out, nil
}

// =============================================================================
// CAPACITY OVERRIDES
// =============================================================================

const overrideColumns = "id, adviser_email, effective_date, client_limit_monthly, pod_type, notes"

func (s *DB) ListCapacityOverrides(ctx context.Context) ([]engine.CapacityOverride, error) {
	return s.queryOverrides(ctx, "sqlite.ListCapacityOverrides",
		`SELECT `+overrideColumns+` FROM capacity_overrides ORDER BY adviser_email, effective_date, id`)
}

// GetActiveCapacityOverride returns the override in force for the adviser on
// asOf: the greatest effective date not after asOf. nil when none applies.
func (s *DB) GetActiveCapacityOverride(ctx context.Context, adviserEmail string, asOf time.Time) (*engine.CapacityOverride, error) {
	const op = "sqlite.GetActiveCapacityOverride"
	overrides, err := s.queryOverrides(ctx, op, `
		SELECT `+overrideColumns+` FROM capacity_overrides
		WHERE adviser_email = ? COLLATE NOCASE AND effective_date <= ?
		ORDER BY effective_date DESC, id DESC LIMIT 1`,
		strings.ToLower(adviserEmail), calendar.FormatDate(asOf))
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return nil, nil
	}
	return &overrides[0], nil
}

func (s *DB) CreateCapacityOverride(ctx context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error) {
	const op = "sqlite.CreateCapacityOverride"
	ov.ID = uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capacity_overrides (id, adviser_email, effective_date, client_limit_monthly, pod_type, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ov.ID, strings.ToLower(ov.AdviserEmail), calendar.FormatDate(ov.EffectiveDate),
		ov.ClientLimitMonthly, nullString(string(ov.PodType)), nullString(ov.Notes), now, now)
	if err != nil {
		return engine.CapacityOverride{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return ov, nil
}

func (s *DB) UpdateCapacityOverride(ctx context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error) {
	const op = "sqlite.UpdateCapacityOverride"
	res, err := s.db.ExecContext(ctx, `
		UPDATE capacity_overrides
		SET adviser_email = ?, effective_date = ?, client_limit_monthly = ?, pod_type = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		strings.ToLower(ov.AdviserEmail), calendar.FormatDate(ov.EffectiveDate),
		ov.ClientLimitMonthly, nullString(string(ov.PodType)), nullString(ov.Notes),
		time.Now().UTC().Format(time.RFC3339), ov.ID)
	if err != nil {
		return engine.CapacityOverride{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.CapacityOverride{}, engine.NewStoreError(engine.StoreNotFound, op, nil)
	}
	return ov, nil
}

func (s *DB) DeleteCapacityOverride(ctx context.Context, id string) error {
	const op = "sqlite.DeleteCapacityOverride"
	res, err := s.db.ExecContext(ctx, `DELETE FROM capacity_overrides WHERE id = ?`, id)
	if err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.NewStoreError(engine.StoreNotFound, op, nil)
	}
	return nil
}

func (s *DB) queryOverrides(ctx context.Context, op, query string, args ...any) ([]engine.CapacityOverride, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	defer rows.Close()

	var out []engine.CapacityOverride
	for rows.Next() {
		var ov engine.CapacityOverride
		var effective string
		var podType, notes sql.NullString
		if err := rows.Scan(&ov.ID, &ov.AdviserEmail, &effective, &ov.ClientLimitMonthly, &podType, &notes); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		if ov.EffectiveDate, err = calendar.ParseDate(effective); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		ov.PodType = engine.PodType(podType.String)
		ov.Notes = notes.String
		out = append(out, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return out, nil
}

// =============================================================================
// ALLOCATION RECORDS
// =============================================================================

// PutAllocationRecord upserts success records per deal (keeping the original
// record id) and plainly inserts failures. The read-then-write pair runs
// under the store mutex so concurrent re-allocations of one deal cannot
// race past the unique index.
func (s *DB) PutAllocationRecord(ctx context.Context, rec engine.AllocationRecord) (string, error) {
	const op = "sqlite.PutAllocationRecord"
	s.mu.Lock()
	defer s.mu.Unlock()

	extra, err := json.Marshal(rec.Extra)
	if err != nil {
		return "", engine.NewStoreError(engine.StoreInvalidArgument, op, err)
	}

	if rec.Status == engine.RecordSuccess {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM allocation_records WHERE deal_id = ? AND status = 'success'`,
			string(rec.DealID)).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			// first decision for this deal
		case err != nil:
			return "", engine.NewStoreError(engine.StoreUnavailable, op, err)
		default:
			rec.ID = existing
			_, err = s.db.ExecContext(ctx, `
				UPDATE allocation_records
				SET adviser_id = ?, adviser_email = ?, service_package = ?, household_type = ?,
				    earliest_week = ?, week_label = ?, decided_at = ?, error_message = '',
				    requester_ip = ?, user_agent = ?, extra_json = ?
				WHERE id = ?`,
				string(rec.AdviserID), strings.ToLower(rec.AdviserEmail), rec.ServicePackage, rec.HouseholdType,
				calendar.FormatDate(rec.EarliestWeek), rec.WeekLabel, rec.DecidedAt.UTC().Format(time.RFC3339),
				rec.RequesterIP, rec.UserAgent, string(extra), rec.ID)
			if err != nil {
				return "", engine.NewStoreError(engine.StoreUnavailable, op, err)
			}
			return rec.ID, nil
		}
	}

	rec.ID = uuid.NewString()
	week := ""
	if !rec.EarliestWeek.IsZero() {
		week = calendar.FormatDate(rec.EarliestWeek)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO allocation_records
			(id, deal_id, adviser_id, adviser_email, service_package, household_type,
			 earliest_week, week_label, decided_at, status, error_message, requester_ip, user_agent, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.DealID), string(rec.AdviserID), strings.ToLower(rec.AdviserEmail),
		rec.ServicePackage, rec.HouseholdType, week, rec.WeekLabel,
		rec.DecidedAt.UTC().Format(time.RFC3339), string(rec.Status), rec.ErrorMessage,
		rec.RequesterIP, rec.UserAgent, string(extra))
	if err != nil {
		return "", engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return rec.ID, nil
}

func (s *DB) GetAllocationRecord(ctx context.Context, dealID engine.DealID) (engine.AllocationRecord, error) {
	const op = "sqlite.GetAllocationRecord"
	row := s.db.QueryRowContext(ctx, `
		SELECT id, deal_id, adviser_id, adviser_email, service_package, household_type,
		       earliest_week, week_label, decided_at, status, error_message, requester_ip, user_agent, extra_json
		FROM allocation_records WHERE deal_id = ? AND status = 'success'`,
		string(dealID))
	return scanRecord(op, row)
}

func scanRecord(op string, row *sql.Row) (engine.AllocationRecord, error) {
	var rec engine.AllocationRecord
	var dealID, adviserID, week, decidedAt, status string
	var pkg, household, label, errMsg, ip, agent, extra sql.NullString
	err := row.Scan(&rec.ID, &dealID, &adviserID, &rec.AdviserEmail, &pkg, &household,
		&week, &label, &decidedAt, &status, &errMsg, &ip, &agent, &extra)
	if err == sql.ErrNoRows {
		return engine.AllocationRecord{}, engine.NewStoreError(engine.StoreNotFound, op, nil)
	}
	if err != nil {
		return engine.AllocationRecord{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}

	rec.DealID = engine.DealID(dealID)
	rec.AdviserID = engine.AdviserID(adviserID)
	rec.ServicePackage = pkg.String
	rec.HouseholdType = household.String
	rec.WeekLabel = label.String
	rec.Status = engine.RecordStatus(status)
	rec.ErrorMessage = errMsg.String
	rec.RequesterIP = ip.String
	rec.UserAgent = agent.String
	if week != "" {
		if rec.EarliestWeek, err = calendar.ParseDate(week); err != nil {
			return engine.AllocationRecord{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
	}
	if rec.DecidedAt, err = time.Parse(time.RFC3339, decidedAt); err != nil {
		return engine.AllocationRecord{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &rec.Extra); err != nil {
			return engine.AllocationRecord{}, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
	}
	return rec, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (s *DB) SetSetting(ctx context.Context, key, value string) error {
	const op = "sqlite.SetSetting"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return nil
}

// GetPrestartWeeks reads the prestart_weeks setting, defaulting when unset.
func (s *DB) GetPrestartWeeks(ctx context.Context) (int, error) {
	const op = "sqlite.GetPrestartWeeks"
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'prestart_weeks'`).Scan(&value)
	if err == sql.ErrNoRows {
		return engine.DefaultPrestartWeeks, nil
	}
	if err != nil {
		return 0, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	weeks, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || weeks < 0 {
		return engine.DefaultPrestartWeeks, nil
	}
	return weeks, nil
}

// =============================================================================
// HR MIRRORS - written by the external sync, read by the gateway
// =============================================================================

// ReplaceEmployees swaps the directory mirror for a freshly synced one.
func (s *DB) ReplaceEmployees(ctx context.Context, employees []Employee) error {
	const op = "sqlite.ReplaceEmployees"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM employees`); err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	for _, e := range employees {
		if _, err := tx.ExecContext(ctx, `INSERT INTO employees (id, email) VALUES (?, ?)`,
			e.ID, strings.ToLower(e.Email)); err != nil {
			return engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return nil
}

// GetEmployeeIDByEmail resolves an adviser email to its HR employee id.
func (s *DB) GetEmployeeIDByEmail(ctx context.Context, email string) (string, error) {
	const op = "sqlite.GetEmployeeIDByEmail"
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM employees WHERE email = ? COLLATE NOCASE`,
		strings.ToLower(email)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", engine.NewStoreError(engine.StoreNotFound, op, nil)
	}
	if err != nil {
		return "", engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return id, nil
}

// ReplaceLeave swaps one employee's leave mirror.
func (s *DB) ReplaceLeave(ctx context.Context, employeeID string, leave []engine.LeaveRequest) error {
	const op = "sqlite.ReplaceLeave"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM leave_requests WHERE employee_id = ?`, employeeID); err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	for _, lr := range leave {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leave_requests (id, employee_id, start_date, end_date, status)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), employeeID,
			calendar.FormatDate(lr.StartDate), calendar.FormatDate(lr.EndDate),
			strings.ToLower(lr.Status)); err != nil {
			return engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return nil
}

// GetLeaveRequests returns the employee's approved leave overlapping
// [from, to] from the mirror. An empty result may mean "not synced yet";
// the gateway decides whether to fall back to the live HR client.
func (s *DB) GetLeaveRequests(ctx context.Context, employeeID string, from, to time.Time) ([]engine.LeaveRequest, error) {
	const op = "sqlite.GetLeaveRequests"
	rows, err := s.db.QueryContext(ctx, `
		SELECT employee_id, start_date, end_date, status FROM leave_requests
		WHERE employee_id = ? AND status = 'approved' AND start_date <= ? AND end_date >= ?
		ORDER BY start_date`,
		employeeID, calendar.FormatDate(to), calendar.FormatDate(from))
	if err != nil {
		return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	defer rows.Close()

	var out []engine.LeaveRequest
	for rows.Next() {
		var lr engine.LeaveRequest
		var empID, start, end string
		if err := rows.Scan(&empID, &start, &end, &lr.Status); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		lr.EmployeeID = engine.EmployeeID(empID)
		if lr.StartDate, err = calendar.ParseDate(start); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		if lr.EndDate, err = calendar.ParseDate(end); err != nil {
			return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
		}
		out = append(out, lr)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return out, nil
}

// HasLeaveFor reports whether the mirror holds any rows (of any status) for
// the employee, distinguishing "synced, no leave" from "never synced".
func (s *DB) HasLeaveFor(ctx context.Context, employeeID string) (bool, error) {
	const op = "sqlite.HasLeaveFor"
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM leave_requests WHERE employee_id = ?`, employeeID).Scan(&n)
	if err != nil {
		return false, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return n > 0, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalTags(tags []string) sql.NullString {
	if len(tags) == 0 {
		return sql.NullString{}
	}
	raw, _ := json.Marshal(tags)
	return nullString(string(raw))
}

func unmarshalTags(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil
	}
	return tags
}
