// Package tracker keeps per-session run state in Redis so operators can
// watch progress and request cancellation of a running session.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "tablesync:run:"
	// Cancellation lives under its own key so a progress write racing a
	// cancel can never overwrite the flag.
	cancelPrefix = "tablesync:cancel:"
)

// State is the JSON payload stored per active session. Cancelled is
// filled in at read time from the cancel key.
type State struct {
	Phase     string    `json:"phase"`
	RuleID    string    `json:"rule_id,omitempty"`
	Rows      int       `json:"rows"`
	Total     int       `json:"total"`
	Cancelled bool      `json:"cancelled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker publishes run state under TTL keys. A nil client disables
// tracking entirely: every method becomes a no-op and IsCancelled always
// reports false, so the engine runs unchanged without Redis.
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tracker{rdb: rdb, ttl: ttl}
}

func (t *Tracker) enabled() bool { return t != nil && t.rdb != nil }

func key(sessionID string) string       { return keyPrefix + sessionID }
func cancelKey(sessionID string) string { return cancelPrefix + sessionID }

// Start registers a session as running, clearing any cancel flag left by
// an earlier run under the same id.
func (t *Tracker) Start(ctx context.Context, sessionID string) error {
	if !t.enabled() {
		return nil
	}
	if err := t.rdb.Del(ctx, cancelKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear cancel flag: %w", err)
	}
	return t.put(ctx, sessionID, &State{Phase: "starting", UpdatedAt: time.Now().UTC()})
}

// Update publishes phase and progress counters.
func (t *Tracker) Update(ctx context.Context, sessionID, phase, ruleID string, rows, total int) error {
	return t.put(ctx, sessionID, &State{
		Phase: phase, RuleID: ruleID, Rows: rows, Total: total, UpdatedAt: time.Now().UTC(),
	})
}

// Cancel flags a session for cancellation. The engine polls the flag
// between batches; cancellation is cooperative, not immediate.
func (t *Tracker) Cancel(ctx context.Context, sessionID string) error {
	if !t.enabled() {
		return errors.New("process tracking is disabled")
	}
	st, err := t.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("no active run for session %s", sessionID)
	}
	if err := t.rdb.Set(ctx, cancelKey(sessionID), "1", t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	return nil
}

// IsCancelled reports whether an operator flagged the session. Tracker
// errors are swallowed here: a broken Redis must not abort a run that is
// otherwise healthy.
func (t *Tracker) IsCancelled(ctx context.Context, sessionID string) bool {
	if !t.enabled() {
		return false
	}
	n, err := t.rdb.Exists(ctx, cancelKey(sessionID)).Result()
	return err == nil && n > 0
}

// Get returns the session's published state, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*State, error) {
	if !t.enabled() {
		return nil, nil
	}
	raw, err := t.rdb.Get(ctx, key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode run state: %w", err)
	}
	st.Cancelled = t.IsCancelled(ctx, sessionID)
	return &st, nil
}

// Finish removes the session's state and cancel flag.
func (t *Tracker) Finish(ctx context.Context, sessionID string) error {
	if !t.enabled() {
		return nil
	}
	return t.rdb.Del(ctx, key(sessionID), cancelKey(sessionID)).Err()
}

// Sweep deletes run states not updated within maxAge. Crashed runs leave
// stale keys behind even with the TTL backstop; sweeping lets operators
// reclaim them early.
func (t *Tracker) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if !t.enabled() {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0

	iter := t.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		raw, err := t.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to read run state during sweep: %w", err)
		}

		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil || st.UpdatedAt.Before(cutoff) {
			sessionID := strings.TrimPrefix(k, keyPrefix)
			if err := t.rdb.Del(ctx, k, cancelKey(sessionID)).Err(); err != nil {
				return removed, fmt.Errorf("failed to delete stale run state: %w", err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("run state scan failed: %w", err)
	}
	return removed, nil
}

func (t *Tracker) put(ctx context.Context, sessionID string, st *State) error {
	if !t.enabled() {
		return nil
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	if err := t.rdb.Set(ctx, key(sessionID), payload, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return nil
}
