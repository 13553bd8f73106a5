package session_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BulkSend/internal/clock"
	"BulkSend/internal/db"
	"BulkSend/internal/models"
	"BulkSend/internal/session"
)

func newStore(t *testing.T, now time.Time) (*session.Store, *clock.Fake, db.KV) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	kv := db.NewMemory()
	clk := clock.NewFake(now)
	return session.New(kv, loc, clk), clk, kv
}

func TestStore_Session(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore(t, time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC))

	got, err := st.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	jobs := []models.Job{{Index: 3, Email: "c@example.com"}, {Index: 4, Email: "d@example.com"}}
	require.NoError(t, st.SaveSession(ctx, jobs, 5))

	got, err = st.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, jobs, got.RemainingJobs)
	assert.Equal(t, 5, got.TotalOriginal)

	require.NoError(t, st.ClearSession(ctx))
	got, err = st.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_StatsRollover(t *testing.T) {
	ctx := context.Background()
	// 23:30 KST on the 19th
	st, clk, _ := newStore(t, time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC))

	stats, err := st.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, stats)

	require.NoError(t, st.SaveStats(ctx, models.Stats{Sent: 10, Failed: 2, Today: 7}))

	stats, err = st.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Sent: 10, Failed: 2, Today: 7}, stats, "same day keeps today")

	// 00:30 KST on the 20th
	clk.Advance(time.Hour)

	stats, err = st.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Sent: 10, Failed: 2, Today: 0}, stats)

	require.NoError(t, st.SaveStats(ctx, models.Stats{Sent: 11, Failed: 2, Today: 1}))
	stats, err = st.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Today, "rollover wrote the new date")
}

func TestStore_UpsertFailed(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore(t, time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC))

	first := time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)
	n, err := st.UpsertFailed(ctx, models.FailedRecord{
		Email: "a@example.com", Subject: "s1", Error: "503", RetryCount: 3, LastAttempt: first,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.UpsertFailed(ctx, models.FailedRecord{Email: "b@example.com", Error: "550", RetryCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second := first.Add(time.Hour)
	n, err = st.UpsertFailed(ctx, models.FailedRecord{
		Email: "a@example.com", Subject: "ignored", Error: "timeout", RetryCount: 3, LastAttempt: second,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ledger, err := st.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, "s1", ledger[0].Subject, "merge keeps original fields")
	assert.Equal(t, "timeout", ledger[0].Error)
	assert.True(t, second.Equal(ledger[0].LastAttempt))

	removed, err := st.RemoveFailed(ctx, "a@example.com", "zzz@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, st.ClearFailed(ctx))
	ledger, err = st.ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, ledger)
}

func TestStore_SentLog(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	st, _, _ := newStore(t, now)

	require.NoError(t, st.AppendSent(ctx, models.SentEntry{Email: "old@example.com", SentDate: now.AddDate(0, 0, -1)}))
	require.NoError(t, st.AppendSent(ctx, models.SentEntry{Email: "a@example.com", SentDate: now}))
	require.NoError(t, st.AppendSent(ctx, models.SentEntry{Email: "b@example.com", SentDate: now.Add(time.Minute)}))

	total, today, err := st.SentSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, today)
}

func TestStore_Settings(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newStore(t, time.Now())

	got, err := st.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Settings{}, got)

	want := models.Settings{BatchSize: 7, TimeIntervalHours: 2, DailyLimit: 100, FromEmail: "from@example.com"}
	require.NoError(t, st.SaveSettings(ctx, want))

	got, err = st.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_CorruptLastDate(t *testing.T) {
	ctx := context.Background()
	st, _, kv := newStore(t, time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC))

	require.NoError(t, st.SaveStats(ctx, models.Stats{Sent: 4, Today: 4}))
	require.NoError(t, kv.Set(ctx, map[string][]byte{session.KeyLastDate: []byte("{not json")}))

	_, err := st.LoadStats(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode last date")

	raw, err := kv.Get(ctx, session.KeyStats)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sent":4,"failed":0,"today":4}`, string(raw[session.KeyStats]), "no rollover on a corrupt date")
}
