package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"BulkSend/internal/api"
	"BulkSend/internal/clock"
	"BulkSend/internal/db"
	"BulkSend/internal/dispatch"
	"BulkSend/internal/email"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
	"BulkSend/internal/session"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []email.Message
}

func (m *recordingMailer) Send(_ context.Context, msg email.Message) (email.DeliveryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return email.DeliveryResult{MessageID: "<1@test>"}, nil
}

type fixture struct {
	handler *api.Handler
	server  http.Handler
	store   *session.Store
	mailer  *recordingMailer
}

func newFixture(t *testing.T, from string) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC))
	store := session.New(db.NewMemory(), time.UTC, clk)
	hub := notify.NewHub(16)
	mailer := &recordingMailer{}

	orch := dispatch.New(mailer, store, hub, nil, clk, zap.NewNop(), dispatch.Options{
		From:             from,
		MaxRetries:       3,
		ProgressInterval: time.Hour,
		Location:         time.UTC,
	})

	h := &api.Handler{Orchestrator: orch, Store: store, Hub: hub, Log: zap.NewNop()}
	return &fixture{handler: h, server: h.Routes(), store: store, mailer: mailer}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSendEmails(t *testing.T) {
	f := newFixture(t, "from@example.com")

	rec := f.do(t, http.MethodPost, "/send", `{"jobs":[
		{"email":"a@example.com","subject":"hi","content":"hello","image_url":"https://cdn.example.com/a.png|https://cdn.example.com/b.png"},
		{"email":"b@example.com","subject":"hi","content":"hello","category":"vip"}
	]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, "immediate", body["mode"])

	require.Eventually(t, func() bool { return f.handler.Orchestrator.Active() == nil }, 5*time.Second, 5*time.Millisecond)

	f.mailer.mu.Lock()
	require.Len(t, f.mailer.sent, 2)
	for _, msg := range f.mailer.sent {
		if msg.To == "a@example.com" {
			assert.Len(t, msg.ImageURLs, 2)
		}
	}
	f.mailer.mu.Unlock()

	rec = f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Equal(t, float64(2), stats["sent_total"])
	assert.Equal(t, false, stats["active"])
}

func TestSendEmails_Rejects(t *testing.T) {
	f := newFixture(t, "from@example.com")

	rec := f.do(t, http.MethodPost, "/send", `{"jobs":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/send", `{"jobs":[{"email":"not-an-address","subject":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/send", `{"jobs":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noSender := newFixture(t, "")
	rec = noSender.do(t, http.MethodPost, "/send", `{"jobs":[{"email":"a@example.com","subject":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "sender")
}

func TestStop_NoRun(t *testing.T) {
	f := newFixture(t, "from@example.com")

	rec := f.do(t, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["stopped"])
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "from@example.com")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/session", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/session/resume", "").Code)

	jobs := []models.Job{{Index: 4, Email: "d@example.com", Subject: "hi"}}
	require.NoError(t, f.store.SaveSession(ctx, jobs, 5))

	rec := f.do(t, http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), decode(t, rec)["total_original"])

	rec = f.do(t, http.MethodPost, "/session/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool { return f.handler.Orchestrator.Active() == nil }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/session", "").Code)

	require.NoError(t, f.store.SaveSession(ctx, jobs, 5))
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/session", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/session", "").Code)
}

func TestFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "from@example.com")

	_, err := f.store.UpsertFailed(ctx, models.FailedRecord{Email: "a@example.com", Error: "503", RetryCount: 3})
	require.NoError(t, err)
	_, err = f.store.UpsertFailed(ctx, models.FailedRecord{Email: "b@example.com", Error: "550", RetryCount: 3})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.FailedRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = f.do(t, http.MethodDelete, "/failed/a@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["removed"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/failed/a@example.com", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/failed", "").Code)

	rec = f.do(t, http.MethodGet, "/failed", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSettings(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPut, "/settings", `{"batch_size":50}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/settings", `{"batch_size":3,"time_interval_hours":0.5,"daily_limit":100,"from_email":"team@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, float64(3), got["batch_size"])
	assert.Equal(t, "team@example.com", got["from_email"])

	// the stored sender now satisfies a run without a configured default
	rec = f.do(t, http.MethodPost, "/send", `{"jobs":[{"email":"a@example.com","subject":"hi"}]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return f.handler.Orchestrator.Active() == nil }, 5*time.Second, 5*time.Millisecond)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, "from@example.com")
	srv := httptest.NewServer(f.server)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.handler.Hub.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)
	f.handler.Hub.Notify(notify.EventRemaining, notify.RemainingPayload{Remaining: 7})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}

	assert.Equal(t, "event: updateRemaining", lines[0])
	assert.Equal(t, `data: {"remaining":7}`, lines[1])
}
