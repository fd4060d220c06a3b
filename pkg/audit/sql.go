package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and driver quirks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists records in a relational database. Slice fields are
// stored as JSON text columns so the schema stays flat.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	ownDB   bool
}

// NewSQLite opens (or creates) a sqlite database at path and migrates
// the schema.
func NewSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	s := &SQLStore{db: db, dialect: DialectSQLite, ownDB: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres connects to a postgres database and migrates the schema.
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	s := &SQLStore{db: db, dialect: DialectPostgres, ownDB: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. The caller keeps ownership
// of db; Close becomes a no-op. Migration is skipped.
func NewWithDB(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS breakglass_audit (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			policy_name TEXT NOT NULL,
			enabled_at TIMESTAMP NOT NULL,
			enabled_by TEXT NOT NULL,
			reason TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			token_used BOOLEAN NOT NULL,
			affected_validators TEXT NOT NULL,
			affected_decisions TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_breakglass_audit_run ON breakglass_audit(run_id);
	`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	validators, err := json.Marshal(rec.Activation.AffectedValidators)
	if err != nil {
		return fmt.Errorf("audit: marshal affected validators: %w", err)
	}
	decisions, err := json.Marshal(rec.Activation.AffectedDecisions)
	if err != nil {
		return fmt.Errorf("audit: marshal affected decisions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO breakglass_audit (
			id, run_id, policy_name, enabled_at, enabled_by, reason,
			expires_at, token_used, affected_validators, affected_decisions, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.RunID, rec.PolicyName,
		rec.Activation.EnabledAt, rec.Activation.EnabledBy, rec.Activation.Reason,
		rec.Activation.ExpiresAt, rec.Activation.TokenUsed,
		string(validators), string(decisions), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: save record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) ByRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, run_id, policy_name, enabled_at, enabled_by, reason,
		       expires_at, token_used, affected_validators, affected_decisions, created_at
		FROM breakglass_audit WHERE run_id = ? ORDER BY created_at`),
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var validators, decisions string
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.PolicyName,
			&rec.Activation.EnabledAt, &rec.Activation.EnabledBy, &rec.Activation.Reason,
			&rec.Activation.ExpiresAt, &rec.Activation.TokenUsed,
			&validators, &decisions, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(validators), &rec.Activation.AffectedValidators); err != nil {
			return nil, fmt.Errorf("audit: decode affected validators: %w", err)
		}
		if err := json.Unmarshal([]byte(decisions), &rec.Activation.AffectedDecisions); err != nil {
			return nil, fmt.Errorf("audit: decode affected decisions: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM breakglass_audit WHERE created_at < ?`), before)
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	if !s.ownDB {
		return nil
	}
	return s.db.Close()
}
