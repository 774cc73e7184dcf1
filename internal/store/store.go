// Package store is the durable resume layer: a single embedded
// modernc.org/sqlite database holding a KV snapshot table keyed
// pms:{kind}:{id} with a TTL, plus a relational execution_commands log
// used only for crash reconciliation, both behind a thin repository
// type.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"perpstrategy/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key         TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	value       TEXT NOT NULL,
	expires_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_commands (
	request_id      INTEGER PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	op              TEXT NOT NULL,
	payload_json    TEXT NOT NULL,
	sent_at         INTEGER NOT NULL,
	acked_at        INTEGER,
	result          TEXT
);
`

// Store is the repository every persisted strategy kind writes through.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the sqlite file at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY under concurrent strategy persistence
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func snapshotKey(kind types.Kind, id string) string {
	switch kind {
	case types.KindTWAP:
		return "pms:twap:" + id
	case types.KindTWAPBasket:
		return "pms:twapb:" + id
	case types.KindTrailStop:
		return "pms:trailstop:" + id
	case types.KindScalper:
		return "pms:scalper:" + id
	case types.KindChase:
		return "pms:chase:" + id
	case types.KindAgent:
		return "pms:agent:" + id
	default:
		return "pms:" + string(kind) + ":" + id
	}
}

// ttlFor returns the TTL convention per kind: 12h for TWAP and
// TWAP-basket, 24h for everything else.
func ttlFor(kind types.Kind) time.Duration {
	if kind == types.KindTWAP || kind == types.KindTWAPBasket {
		return 12 * time.Hour
	}
	return 24 * time.Hour
}

// PersistSnapshot writes value (already JSON-serialisable) under the
// kind/id's key, replacing any prior snapshot and resetting its TTL.
func (s *Store) PersistSnapshot(ctx context.Context, kind types.Kind, id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := snapshotKey(kind, id)
	expires := time.Now().Add(ttlFor(kind)).Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (key, kind, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(kind), string(data), expires)
	return err
}

// DeleteSnapshot removes a strategy's durable record (used on clean
// terminal transitions and trail-stop cancel).
func (s *Store) DeleteSnapshot(ctx context.Context, kind types.Kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, snapshotKey(kind, id))
	return err
}

// LoadSnapshot loads a non-expired snapshot into out, returning ok=false
// if none exists or it has expired (expired rows are lazily reaped here).
func (s *Store) LoadSnapshot(ctx context.Context, kind types.Kind, id string, out interface{}) (ok bool, err error) {
	key := snapshotKey(kind, id)
	var value string
	var expiresAt int64
	row := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM snapshots WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if time.Now().Unix() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key)
		return false, nil
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return true, nil
}

// ListSnapshotIDs returns the strategy id of every non-expired snapshot of
// the given kind (the key prefix stripped), for registry resume-on-startup
// reconstruction.
func (s *Store) ListSnapshotIDs(ctx context.Context, kind types.Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM snapshots WHERE kind = ? AND expires_at >= ?`, string(kind), time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	prefix := snapshotKey(kind, "")
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, strings.TrimPrefix(k, prefix))
	}
	return keys, rows.Err()
}

// RecordSent implements execchan.Recorder: log an outbound command before
// the write hits the wire, so a crash between "sent" and "acked" is
// reconcilable on resume.
func (s *Store) RecordSent(ctx context.Context, env types.CommandEnvelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_commands (request_id, idempotency_key, op, payload_json, sent_at) VALUES (?, ?, ?, ?, ?)`,
		env.RequestID, env.IdempotencyKey, env.Op, string(payload), time.Now().Unix())
	return err
}

// RecordResult implements execchan.Recorder: record the terminal
// ack/result for a previously-sent command.
func (s *Store) RecordResult(ctx context.Context, requestID uint64, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_commands SET acked_at = ?, result = ? WHERE request_id = ?`,
		time.Now().Unix(), result, requestID)
	return err
}

// UnreconciledCommand is one command sent but never acked, as returned by
// UnreconciledCommands for startup crash reconciliation.
type UnreconciledCommand struct {
	RequestID      uint64
	IdempotencyKey string
	Op             string
	PayloadJSON    string
	SentAt         time.Time
}

// UnreconciledCommands lists every execution_commands row with no
// recorded acked_at, used to decide whether an in-flight command from a
// prior process needs to be retried or treated as applied (matched by
// idempotency key on the next attempt).
func (s *Store) UnreconciledCommands(ctx context.Context) ([]UnreconciledCommand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, idempotency_key, op, payload_json, sent_at FROM execution_commands WHERE acked_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UnreconciledCommand
	for rows.Next() {
		var c UnreconciledCommand
		var sentAt int64
		if err := rows.Scan(&c.RequestID, &c.IdempotencyKey, &c.Op, &c.PayloadJSON, &sentAt); err != nil {
			return nil, err
		}
		c.SentAt = time.Unix(sentAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}
