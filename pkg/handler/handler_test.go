package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedrankolka/contract-mailer/pkg/composer"
	"github.com/vedrankolka/contract-mailer/pkg/customer"
	"github.com/vedrankolka/contract-mailer/pkg/dispatcher"
	"github.com/vedrankolka/contract-mailer/pkg/event"
	"github.com/vedrankolka/contract-mailer/pkg/guard"
	"github.com/vedrankolka/contract-mailer/pkg/mailer"
	"github.com/vedrankolka/contract-mailer/pkg/policy"
)

const secret = "whsec_handler_test"

type fakeMailer struct{ sent []mailer.Message }

func (m *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

// countingStore records reads so tests can assert the guard was not consulted.
type countingStore struct {
	*customer.MemoryStore
	gets int
}

func (s *countingStore) Get(ctx context.Context, ref string) (*customer.Record, error) {
	s.gets++
	return s.MemoryStore.Get(ctx, ref)
}

type stubDispatcher struct {
	err   error
	panic bool
}

func (s stubDispatcher) Dispatch(context.Context, *event.Event) (dispatcher.Result, error) {
	if s.panic {
		panic("boom")
	}
	return dispatcher.Result{}, s.err
}

type env struct {
	store  *countingStore
	mailer *fakeMailer
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:  &countingStore{MemoryStore: customer.NewMemoryStore()},
		mailer: &fakeMailer{},
	}
	v, err := event.NewVerifier(secret)
	require.NoError(t, err)
	p := policy.Default()
	d := dispatcher.New(p, composer.New(p), guard.New(e.store), e.store, e.mailer, nil)
	e.server = newServer(t, NewHandler(v, d, slog.New(slog.NewTextHandler(io.Discard, nil))))
	return e
}

func newServer(t *testing.T, h *WebhookHandler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", h.HandleWebhook)
	mux.HandleFunc("/health", h.HandleHealth)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func sign(body string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func paymentBody(amount int64, customerRef string) string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","amount":%d,"currency":"jpy","customer":%q}}}`, amount, customerRef)
}

func post(t *testing.T, url, body, signature string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(event.SignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestWebhookSendsContractEmail(t *testing.T) {
	e := newEnv(t)
	e.store.Put(customer.Record{Ref: "cus_a", Email: "a@example.com"})

	body := paymentBody(5000, "cus_a")
	resp, raw := post(t, e.server.URL+"/webhook", body, sign(body))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"received":true}`, raw)
	require.Len(t, e.mailer.sent, 1)
	assert.Equal(t, "a@example.com", e.mailer.sent[0].To)

	rec, _ := e.store.MemoryStore.Get(context.Background(), "cus_a")
	assert.Equal(t, "true", rec.Fields[guard.FieldSent])
}

func TestWebhookReplaySendsNothing(t *testing.T) {
	e := newEnv(t)
	e.store.Put(customer.Record{Ref: "cus_a", Email: "a@example.com"})
	body := paymentBody(5000, "cus_a")

	resp, _ := post(t, e.server.URL+"/webhook", body, sign(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = post(t, e.server.URL+"/webhook", body, sign(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Len(t, e.mailer.sent, 1)
}

func TestWebhookUnsupportedAmountAcknowledged(t *testing.T) {
	e := newEnv(t)
	e.store.Put(customer.Record{Ref: "cus_a", Email: "a@example.com"})

	body := paymentBody(4242, "cus_a")
	resp, raw := post(t, e.server.URL+"/webhook", body, sign(body))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"received":true}`, raw)
	assert.Empty(t, e.mailer.sent)
}

func TestWebhookRejectsTamperedSignature(t *testing.T) {
	e := newEnv(t)
	e.store.Put(customer.Record{Ref: "cus_a", Email: "a@example.com"})

	body := paymentBody(5000, "cus_a")
	sig := sign(body)
	tampered := sig[:len(sig)-1] + "0"
	if tampered == sig {
		tampered = sig[:len(sig)-1] + "1"
	}
	resp, raw := post(t, e.server.URL+"/webhook", body, tampered)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, raw, "Webhook Error")
	assert.Empty(t, e.mailer.sent)
	assert.Zero(t, e.store.gets)
}

func TestWebhookMissingSignature(t *testing.T) {
	e := newEnv(t)
	body := paymentBody(5000, "cus_a")
	resp, _ := post(t, e.server.URL+"/webhook", body, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookCustomerUpdatedAcknowledged(t *testing.T) {
	e := newEnv(t)

	body := `{"id":"evt_2","object":"event","type":"customer.updated","data":{"object":{"id":"cus_a","object":"customer","email":"a@example.com","address":{"city":"Tokyo"}}}}`
	resp, raw := post(t, e.server.URL+"/webhook", body, sign(body))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"received":true}`, raw)
	assert.Empty(t, e.mailer.sent)
	assert.Zero(t, e.store.gets)
}

func TestWebhookRejectsOtherMethods(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.server.URL + "/webhook")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestWebhookHandlerFault(t *testing.T) {
	tests := []struct {
		name string
		d    stubDispatcher
	}{
		{name: "dispatch error", d: stubDispatcher{err: errors.New("store unavailable")}},
		{name: "panic", d: stubDispatcher{panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := event.NewVerifier(secret)
			require.NoError(t, err)
			srv := newServer(t, NewHandler(v, tt.d, slog.New(slog.NewTextHandler(io.Discard, nil))))

			body := paymentBody(5000, "cus_a")
			resp, raw := post(t, srv.URL+"/webhook", body, sign(body))

			require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			var got ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(raw), &got))
			assert.Equal(t, "Webhook handler failed", got.Error)
		})
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	e := newEnv(t)
	body := strings.Repeat("a", MaxBodyBytes+1)
	resp, raw := post(t, e.server.URL+"/webhook", body, sign(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, raw, "Webhook Error")
	assert.Empty(t, e.mailer.sent)
}

// syncBuffer lets the test read log lines written by the server goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestWebhookLogsRouterRequestID(t *testing.T) {
	v, err := event.NewVerifier(secret)
	require.NoError(t, err)
	logs := &syncBuffer{}
	h := NewHandler(v, stubDispatcher{}, slog.New(slog.NewJSONHandler(logs, nil)))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.HandleFunc("/webhook", h.HandleWebhook)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	body := paymentBody(5000, "cus_a")
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	req.Header.Set(event.SignatureHeader, sign(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := logs.lines(t)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, "req-123", entry["request_id"])
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(b))
}
