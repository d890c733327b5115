// Package sqlite persists the cluster store in a SQLite database so scans can resume and
// evaluations can read the decision history of earlier runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/spigell/applink/internal/signal"
	"github.com/spigell/applink/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO counters (name, value) VALUES ('seq', 0), ('entity', 0);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	num INTEGER NOT NULL,
	updated_seq INTEGER NOT NULL,
	retired_into TEXT NOT NULL DEFAULT '',
	overrides_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS members (
	email_id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL REFERENCES entities(id),
	seq INTEGER NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	ts TEXT NOT NULL,
	status TEXT NOT NULL,
	company TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	requisition_id TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_members_entity ON members(entity_id);
CREATE INDEX IF NOT EXISTS idx_members_thread ON members(thread_id);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	method TEXT NOT NULL,
	confidence REAL NOT NULL,
	oracle_calls INTEGER NOT NULL,
	tie_break INTEGER NOT NULL DEFAULT 0,
	trace_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	stage TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT '',
	candidate_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	rationale TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS labels (
	email_id TEXT PRIMARY KEY,
	grp TEXT NOT NULL
);
`

// Store is a store.Store and store.LabelStore backed by SQLite.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	// One scan owns the store; the lock keeps concurrent evaluation reads consistent.
	mu sync.RWMutex
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger.Debug("sqlite store opened", zap.String("path", path))

	return &Store{db: db, path: path, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) FindCandidates(ctx context.Context, filter store.Filter) ([]store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := loadAll(ctx, s.db)
	if err != nil {
		return nil, err
	}

	out := make([]store.Entity, 0, len(all))
	for i := range all {
		if filter.Match(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, sig signal.Signal) (store.Entity, error) {
	if strings.TrimSpace(sig.EmailID) == "" {
		return store.Entity{}, errors.New("create entity: email id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureNewEmail(ctx, tx, sig.EmailID); err != nil {
			return err
		}

		num, err := bump(ctx, tx, "entity")
		if err != nil {
			return err
		}
		seq, err := bump(ctx, tx, "seq")
		if err != nil {
			return err
		}

		id = store.EntityID(num)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, num, updated_seq) VALUES (?, ?, ?)`, id, num, seq); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}

		return insertMember(ctx, tx, id, store.NewMember(sig, seq))
	})
	if err != nil {
		return store.Entity{}, err
	}

	return loadEntity(ctx, s.db, id)
}

func (s *Store) AppendMember(ctx context.Context, entityID string, sig signal.Signal) (store.Entity, error) {
	if strings.TrimSpace(sig.EmailID) == "" {
		return store.Entity{}, errors.New("append member: email id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureActive(ctx, tx, entityID); err != nil {
			return err
		}
		if err := ensureNewEmail(ctx, tx, sig.EmailID); err != nil {
			return err
		}

		seq, err := bump(ctx, tx, "seq")
		if err != nil {
			return err
		}
		if err := insertMember(ctx, tx, entityID, store.NewMember(sig, seq)); err != nil {
			return err
		}
		return touch(ctx, tx, entityID, seq)
	})
	if err != nil {
		return store.Entity{}, err
	}

	return loadEntity(ctx, s.db, entityID)
}

func (s *Store) Merge(ctx context.Context, keepID, absorbID string) (store.Entity, error) {
	if keepID == absorbID {
		return store.Entity{}, fmt.Errorf("%w: cannot merge %s into itself", store.ErrInvalidMerge, keepID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureActive(ctx, tx, keepID); err != nil {
			return err
		}
		if err := ensureActive(ctx, tx, absorbID); err != nil {
			return err
		}

		seq, err := bump(ctx, tx, "seq")
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE members SET entity_id = ? WHERE entity_id = ?`, keepID, absorbID); err != nil {
			return fmt.Errorf("move members: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET retired_into = ?, updated_seq = ? WHERE id = ?`, keepID, seq, absorbID); err != nil {
			return fmt.Errorf("retire entity: %w", err)
		}
		return touch(ctx, tx, keepID, seq)
	})
	if err != nil {
		return store.Entity{}, err
	}

	s.logger.Info("entities merged", zap.String("keep", keepID), zap.String("absorbed", absorbID))

	return loadEntity(ctx, s.db, keepID)
}

func (s *Store) UpdateDisplayFields(ctx context.Context, entityID string, fields store.DisplayFields) (store.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureActive(ctx, tx, entityID); err != nil {
			return err
		}

		var raw string
		if err := tx.QueryRowContext(ctx,
			`SELECT overrides_json FROM entities WHERE id = ?`, entityID).Scan(&raw); err != nil {
			return fmt.Errorf("read overrides: %w", err)
		}

		var current store.DisplayFields
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return fmt.Errorf("decode overrides: %w", err)
		}

		encoded, err := json.Marshal(current.With(fields))
		if err != nil {
			return fmt.Errorf("encode overrides: %w", err)
		}

		seq, err := bump(ctx, tx, "seq")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET overrides_json = ?, updated_seq = ? WHERE id = ?`, string(encoded), seq, entityID); err != nil {
			return fmt.Errorf("update overrides: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Entity{}, err
	}

	return loadEntity(ctx, s.db, entityID)
}

func (s *Store) Get(ctx context.Context, id string) (store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadEntity(ctx, s.db, id)
}

func (s *Store) Entities(ctx context.Context) ([]store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadAll(ctx, s.db)
}

func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	cur := id
	for {
		if _, loop := seen[cur]; loop {
			return "", fmt.Errorf("resolve %s: back-reference cycle", id)
		}
		seen[cur] = struct{}{}

		var retiredInto string
		err := s.db.QueryRowContext(ctx, `SELECT retired_into FROM entities WHERE id = ?`, cur).Scan(&retiredInto)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", store.ErrNotFound, cur)
		}
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", id, err)
		}
		if retiredInto == "" {
			return cur, nil
		}
		cur = retiredInto
	}
}

func (s *Store) HasEmail(ctx context.Context, emailID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM members WHERE email_id = ?`, emailID).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup email %s: %w", emailID, err)
	}
	return n > 0, nil
}

func (s *Store) AppendDecision(ctx context.Context, d store.Decision) error {
	trace := d.Trace
	if trace == nil {
		trace = []store.TraceEntry{}
	}
	encoded, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (email_id, outcome, entity_id, method, confidence, oracle_calls, tie_break, trace_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.EmailID, string(d.Outcome), d.EntityID, string(d.Method), d.Confidence, d.OracleCalls, d.TieBreak, string(encoded))
	if err != nil {
		return fmt.Errorf("insert decision for %s: %w", d.EmailID, err)
	}
	return nil
}

func (s *Store) Decisions(ctx context.Context) ([]store.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT email_id, outcome, entity_id, method, confidence, oracle_calls, tie_break, trace_json
		 FROM decisions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []store.Decision
	for rows.Next() {
		var (
			d               store.Decision
			outcome, method string
			traceJSON       string
		)
		if err := rows.Scan(&d.EmailID, &outcome, &d.EntityID, &method, &d.Confidence, &d.OracleCalls, &d.TieBreak, &traceJSON); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Outcome = store.Outcome(outcome)
		d.Method = store.Method(method)

		var trace []store.TraceEntry
		if err := json.Unmarshal([]byte(traceJSON), &trace); err != nil {
			return nil, fmt.Errorf("decode trace for %s: %w", d.EmailID, err)
		}
		if len(trace) > 0 {
			d.Trace = trace
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Append(ctx context.Context, e store.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_log (email_id, seq, stage, tier, candidate_id, outcome, rationale)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EmailID, e.Seq, e.Stage, e.Tier, e.CandidateID, e.Outcome, e.Rationale)
	if err != nil {
		return fmt.Errorf("insert log entry for %s: %w", e.EmailID, err)
	}
	return nil
}

func (s *Store) Log(ctx context.Context) ([]store.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT email_id, seq, stage, tier, candidate_id, outcome, rationale FROM decision_log ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query decision log: %w", err)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var e store.LogEntry
		if err := rows.Scan(&e.EmailID, &e.Seq, &e.Stage, &e.Tier, &e.CandidateID, &e.Outcome, &e.Rationale); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ImportLabels(ctx context.Context, labels []store.Label) (int, error) {
	for _, l := range labels {
		if strings.TrimSpace(l.EmailID) == "" || strings.TrimSpace(l.Group) == "" {
			return 0, fmt.Errorf("%w: email_id and group are required (%q)", store.ErrInvalidLabel, l.EmailID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, l := range labels {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO labels (email_id, grp) VALUES (?, ?)
				 ON CONFLICT(email_id) DO UPDATE SET grp = excluded.grp`,
				strings.TrimSpace(l.EmailID), strings.TrimSpace(l.Group)); err != nil {
				return fmt.Errorf("upsert label %s: %w", l.EmailID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(labels), nil
}

func (s *Store) Labels(ctx context.Context) ([]store.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT email_id, grp FROM labels ORDER BY email_id`)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()

	out := []store.Label{}
	for rows.Next() {
		var l store.Label
		if err := rows.Scan(&l.EmailID, &l.Group); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func bump(ctx context.Context, tx *sql.Tx, counter string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = value + 1 WHERE name = ?`, counter); err != nil {
		return 0, fmt.Errorf("bump %s counter: %w", counter, err)
	}
	var v int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, counter).Scan(&v); err != nil {
		return 0, fmt.Errorf("read %s counter: %w", counter, err)
	}
	return v, nil
}

func touch(ctx context.Context, tx *sql.Tx, entityID string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE entities SET updated_seq = ? WHERE id = ?`, seq, entityID); err != nil {
		return fmt.Errorf("touch entity %s: %w", entityID, err)
	}
	return nil
}

func ensureActive(ctx context.Context, q querier, id string) error {
	var retiredInto string
	err := q.QueryRowContext(ctx, `SELECT retired_into FROM entities WHERE id = ?`, id).Scan(&retiredInto)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lookup entity %s: %w", id, err)
	}
	if retiredInto != "" {
		return fmt.Errorf("%w: %s merged into %s", store.ErrRetired, id, retiredInto)
	}
	return nil
}

func ensureNewEmail(ctx context.Context, q querier, emailID string) error {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT entity_id FROM members WHERE email_id = ?`, emailID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup email %s: %w", emailID, err)
	}
	return fmt.Errorf("%w: %s is in %s", store.ErrDuplicateEmail, emailID, owner)
}

func insertMember(ctx context.Context, tx *sql.Tx, entityID string, m store.Member) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO members (email_id, entity_id, seq, thread_id, ts, status, company, title, requisition_id, subject)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.EmailID, entityID, m.Seq, m.ThreadID, m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.Status.String(), m.Company, m.Title, m.RequisitionID, m.Subject)
	if err != nil {
		return fmt.Errorf("insert member %s: %w", m.EmailID, err)
	}
	return nil
}

func loadEntity(ctx context.Context, q querier, id string) (store.Entity, error) {
	var (
		e         store.Entity
		overrides string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, updated_seq, retired_into, overrides_json FROM entities WHERE id = ?`, id).
		Scan(&e.ID, &e.UpdatedSeq, &e.RetiredInto, &overrides)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entity{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return store.Entity{}, fmt.Errorf("load entity %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(overrides), &e.Overrides); err != nil {
		return store.Entity{}, fmt.Errorf("decode overrides for %s: %w", id, err)
	}

	members, err := loadMembers(ctx, q, `WHERE entity_id = ?`, id)
	if err != nil {
		return store.Entity{}, err
	}
	e.Members = members[id]
	e.Recompute()

	return e, nil
}

func loadAll(ctx context.Context, q querier) ([]store.Entity, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, updated_seq, retired_into, overrides_json FROM entities ORDER BY num`)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}

	out := []store.Entity{}
	for rows.Next() {
		var (
			e         store.Entity
			overrides string
		)
		if err := rows.Scan(&e.ID, &e.UpdatedSeq, &e.RetiredInto, &overrides); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(overrides), &e.Overrides); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode overrides for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	members, err := loadMembers(ctx, q, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Members = members[out[i].ID]
		out[i].Recompute()
	}
	return out, nil
}

func loadMembers(ctx context.Context, q querier, where string, args ...any) (map[string][]store.Member, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT email_id, entity_id, seq, thread_id, ts, status, company, title, requisition_id, subject
		 FROM members `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]store.Member)
	for rows.Next() {
		var (
			m        store.Member
			entityID string
			ts       string
			status   string
		)
		if err := rows.Scan(&m.EmailID, &entityID, &m.Seq, &m.ThreadID, &ts, &status,
			&m.Company, &m.Title, &m.RequisitionID, &m.Subject); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", m.EmailID, err)
		}
		m.Timestamp = parsed
		m.Status = signal.Status(status)
		out[entityID] = append(out[entityID], m)
	}
	return out, rows.Err()
}
