package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vedrankolka/contract-mailer/pkg/dispatcher"
	"github.com/vedrankolka/contract-mailer/pkg/event"
)

// MaxBodyBytes caps webhook payloads.
const MaxBodyBytes = 1 << 20

// ErrorResponse represents the structure of the error object sent in
// failed responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

type Verifier interface {
	Verify(rawBody []byte, signatureHeader string) (*event.Event, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.Event) (dispatcher.Result, error)
}

type WebhookHandler struct {
	verifier   Verifier
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewHandler(verifier Verifier, d Dispatcher, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: d,
		logger:     logger,
	}
}

// HandleHealth reports liveness.
func (wh *WebhookHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	wh.writeJSON(w, struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	})
}

// HandleWebhook verifies a Stripe event over the raw body and dispatches it.
func (wh *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := wh.logger.With("request_id", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		logger.Warn("webhook called with wrong method", "method", r.Method)
		return
	}

	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		http.Error(w, fmt.Sprintf("Webhook Error: %v", err), code)
		logger.Warn("could not read webhook body", "error", err, "status", code)
		return
	}

	ev, err := wh.verifier.Verify(b, r.Header.Get(event.SignatureHeader))
	if err != nil {
		http.Error(w, fmt.Sprintf("Webhook Error: %v", err), http.StatusBadRequest)
		logger.Warn("webhook verification failed", "error", err)
		return
	}

	logger = logger.With("event_id", ev.ID, "event_type", ev.Type)
	if ev.Kind == event.CustomerUpdated && ev.CustomerEmail != "" && ev.HasAddress {
		logger.Info("customer address updated", "customer_ref", ev.CustomerRef)
	}

	res, err := wh.dispatch(r.Context(), ev)
	if err != nil {
		logger.Error("webhook handler failed", "error", err)
		wh.writeJSONError(w, &ErrorResponse{Error: "Webhook handler failed"}, http.StatusInternalServerError)
		return
	}

	logger.Info("webhook handled", "state", string(res.State), "reason", res.Reason)
	wh.writeJSON(w, struct {
		Received bool `json:"received"`
	}{
		Received: true,
	})
}

// dispatch turns a panic in the pipeline into an error so the caller still
// gets the 500 body.
func (wh *WebhookHandler) dispatch(ctx context.Context, ev *event.Event) (res dispatcher.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return wh.dispatcher.Dispatch(ctx, ev)
}

func (wh *WebhookHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	wh.writeJSONStatus(w, v, http.StatusOK)
}

func (wh *WebhookHandler) writeJSONError(w http.ResponseWriter, v interface{}, code int) {
	wh.writeJSONStatus(w, v, code)
}

func (wh *WebhookHandler) writeJSONStatus(w http.ResponseWriter, v interface{}, code int) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		wh.logger.Error("json encode failed", "error", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := io.Copy(w, &buf); err != nil {
		wh.logger.Warn("writing response failed", "error", err)
	}
}
