// Package session persists send-run state: the resumable session, running
// statistics, the failed-message ledger, the sent-log and caller settings.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"BulkSend/internal/clock"
	"BulkSend/internal/db"
	"BulkSend/internal/models"
)

const (
	KeyStats    = "stats"
	KeyLastDate = "lastDate"
	KeySent     = "sentEmails"
	KeyFailed   = "failedEmails"
	KeySession  = "sendingSession"
	KeySettings = "settings"
)

const dateLayout = "2006-01-02"

type Store struct {
	kv  db.KV
	loc *time.Location
	clk clock.Clock

	// serialises read-modify-write cycles on list keys
	mu sync.Mutex
}

func New(kv db.KV, loc *time.Location, clk clock.Clock) *Store {
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{kv: kv, loc: loc, clk: clk}
}

func (s *Store) getJSON(ctx context.Context, key string, out any) (bool, error) {
	values, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(ctx context.Context, values map[string]any) error {
	encoded := make(map[string][]byte, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = b
	}
	if err := s.kv.Set(ctx, encoded); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func (s *Store) today() string {
	return s.clk.Now().In(s.loc).Format(dateLayout)
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func (s *Store) SaveSession(ctx context.Context, remaining []models.Job, totalOriginal int) error {
	return s.setJSON(ctx, map[string]any{
		KeySession: models.SessionState{
			RemainingJobs: remaining,
			SavedAt:       s.clk.Now(),
			TotalOriginal: totalOriginal,
		},
	})
}

// LoadSession returns nil when no session with remaining jobs is stored.
func (s *Store) LoadSession(ctx context.Context) (*models.SessionState, error) {
	var st models.SessionState
	ok, err := s.getJSON(ctx, KeySession, &st)
	if err != nil || !ok || len(st.RemainingJobs) == 0 {
		return nil, err
	}
	return &st, nil
}

func (s *Store) ClearSession(ctx context.Context) error {
	return s.kv.Remove(ctx, KeySession)
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// LoadStats returns the persisted counters. When the stored date differs from
// today, Today is reset and the new date is written back.
func (s *Store) LoadStats(ctx context.Context) (models.Stats, error) {
	var (
		stats    models.Stats
		lastDate string
	)

	values, err := s.kv.Get(ctx, KeyStats, KeyLastDate)
	if err != nil {
		return stats, fmt.Errorf("get stats: %w", err)
	}
	if raw, ok := values[KeyStats]; ok {
		if err := json.Unmarshal(raw, &stats); err != nil {
			return stats, fmt.Errorf("decode stats: %w", err)
		}
	}
	if raw, ok := values[KeyLastDate]; ok {
		if err := json.Unmarshal(raw, &lastDate); err != nil {
			return stats, fmt.Errorf("decode last date: %w", err)
		}
	}

	if today := s.today(); lastDate != today {
		stats.Today = 0
		if err := s.setJSON(ctx, map[string]any{KeyLastDate: today, KeyStats: stats}); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func (s *Store) SaveStats(ctx context.Context, stats models.Stats) error {
	return s.setJSON(ctx, map[string]any{KeyStats: stats})
}

// ---------------------------------------------------------------------------
// Failed ledger
// ---------------------------------------------------------------------------

// UpsertFailed records an exhausted job keyed by email address and returns
// the ledger size.
func (s *Store) UpsertFailed(ctx context.Context, rec models.FailedRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ledger []models.FailedRecord
	if _, err := s.getJSON(ctx, KeyFailed, &ledger); err != nil {
		return 0, err
	}

	found := false
	for i := range ledger {
		if ledger[i].Email == rec.Email {
			ledger[i].RetryCount = rec.RetryCount
			ledger[i].LastAttempt = rec.LastAttempt
			ledger[i].Error = rec.Error
			found = true
			break
		}
	}
	if !found {
		ledger = append(ledger, rec)
	}

	if err := s.setJSON(ctx, map[string]any{KeyFailed: ledger}); err != nil {
		return 0, err
	}
	return len(ledger), nil
}

func (s *Store) ListFailed(ctx context.Context) ([]models.FailedRecord, error) {
	var ledger []models.FailedRecord
	if _, err := s.getJSON(ctx, KeyFailed, &ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// RemoveFailed drops the given addresses from the ledger and returns how many
// entries were removed.
func (s *Store) RemoveFailed(ctx context.Context, emails ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ledger []models.FailedRecord
	if _, err := s.getJSON(ctx, KeyFailed, &ledger); err != nil {
		return 0, err
	}

	drop := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		drop[e] = struct{}{}
	}

	kept := ledger[:0]
	for _, rec := range ledger {
		if _, ok := drop[rec.Email]; !ok {
			kept = append(kept, rec)
		}
	}
	removed := len(ledger) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	return removed, s.setJSON(ctx, map[string]any{KeyFailed: kept})
}

func (s *Store) ClearFailed(ctx context.Context) error {
	return s.kv.Remove(ctx, KeyFailed)
}

// ---------------------------------------------------------------------------
// Sent log
// ---------------------------------------------------------------------------

func (s *Store) AppendSent(ctx context.Context, entry models.SentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log []models.SentEntry
	if _, err := s.getJSON(ctx, KeySent, &log); err != nil {
		return err
	}
	log = append(log, entry)

	return s.setJSON(ctx, map[string]any{KeySent: log})
}

// SentSummary counts the sent-log in total and for today.
func (s *Store) SentSummary(ctx context.Context) (total, today int, err error) {
	var log []models.SentEntry
	if _, err := s.getJSON(ctx, KeySent, &log); err != nil {
		return 0, 0, err
	}

	day := s.today()
	for _, e := range log {
		if e.SentDate.In(s.loc).Format(dateLayout) == day {
			today++
		}
	}
	return len(log), today, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (s *Store) LoadSettings(ctx context.Context) (models.Settings, error) {
	var st models.Settings
	_, err := s.getJSON(ctx, KeySettings, &st)
	return st, err
}

func (s *Store) SaveSettings(ctx context.Context, st models.Settings) error {
	return s.setJSON(ctx, map[string]any{KeySettings: st})
}
