// Package store persists the fabric's own operational state: when each
// bootstrap-fallback key hash was last accepted, and an audit log of agent
// connect/disconnect events. The credential database the validator
// predicate checks against is external and owns no storage here (spec
// §6: "database is external and treated as a validator").
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBootstrapTokens = []byte("bootstrap_tokens")
	bucketAuditLog        = []byte("audit_log")
)

// AuditEvent is one entry in the audit log.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Kind      string    `json:"kind"` // connect, disconnect, auth_failure
	Detail    string    `json:"detail,omitempty"`
}

// Store wraps a BoltDB database for relayfab's own persisted state.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBootstrapTokens, bucketAuditLog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// RememberBootstrapUse records that tokenHash was accepted via the
// bootstrap fallback path, along with when it last happened -- useful
// for an operator deciding whether it is safe to rotate the key.
func (s *Store) RememberBootstrapUse(tokenHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBootstrapTokens)
		return b.Put([]byte(tokenHash), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// LastBootstrapUse returns when tokenHash was last seen via the fallback
// path, if ever.
func (s *Store) LastBootstrapUse(tokenHash string) (time.Time, bool, error) {
	var t time.Time
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBootstrapTokens)
		v := b.Get([]byte(tokenHash))
		if v == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, string(v))
		if err != nil {
			return fmt.Errorf("parse bootstrap timestamp: %w", err)
		}
		t, ok = parsed, true
		return nil
	})
	return t, ok, err
}

// AppendAuditEvent appends ev to the audit log. Key format:
// "{RFC3339Nano}::{agent_id}" for chronological ordering.
func (s *Store) AppendAuditEvent(ev AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := fmt.Sprintf("%s::%s", ev.Timestamp.Format(time.RFC3339Nano), ev.AgentID)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		return b.Put([]byte(key), data)
	})
}

// ListAuditEvents returns up to limit most recent audit events, newest
// first. limit <= 0 means unbounded.
func (s *Store) ListAuditEvents(limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal audit event: %w", err)
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// PruneAuditEventsBefore deletes every audit event older than cutoff,
// keeping the log bounded over a long-running server's lifetime.
func (s *Store) PruneAuditEventsBefore(cutoff time.Time) (int, error) {
	prefix := []byte(cutoff.UTC().Format(time.RFC3339Nano))
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if bytes.Compare(k, prefix) >= 0 {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
