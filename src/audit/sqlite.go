package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	call_sid TEXT,
	event_type TEXT NOT NULL,
	event_data TEXT,
	phone_number_masked TEXT,
	patient_dob_masked TEXT,
	remote_addr TEXT,
	user_agent TEXT,
	success INTEGER NOT NULL DEFAULT 1,
	error_message TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_call_sid ON audit_logs(call_sid);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC);
`

// SQLiteStore persists events to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. ":memory:" is accepted.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; also keeps one in-memory database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, e Event) error {
	var data []byte
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, call_sid, event_type, event_data, phone_number_masked,
			patient_dob_masked, remote_addr, user_agent, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.CallSID), e.Type, nullString(string(data)), nullString(e.PhoneMasked),
		nullString(e.DOBMasked), nullString(e.RemoteAddr), nullString(e.UserAgent), e.Success,
		nullString(e.Error), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByCall returns the events recorded for callSID, oldest first.
func (s *SQLiteStore) ListByCall(ctx context.Context, callSID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_sid, event_type, event_data, phone_number_masked, patient_dob_masked,
			remote_addr, user_agent, success, error_message, created_at
		FROM audit_logs WHERE call_sid = ? ORDER BY created_at, rowid`, callSID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                                           Event
			callID, data, phone, dob, addr, ua, errText sql.NullString
			created                                     time.Time
		)
		if err := rows.Scan(&e.ID, &callID, &e.Type, &data, &phone, &dob, &addr, &ua,
			&e.Success, &errText, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.CallSID, e.PhoneMasked, e.DOBMasked = callID.String, phone.String, dob.String
		e.RemoteAddr, e.UserAgent, e.Error = addr.String, ua.String, errText.String
		e.CreatedAt = created
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Purge deletes events older than maxAge and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`,
		time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
