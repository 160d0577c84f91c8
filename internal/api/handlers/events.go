package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/api"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/intake"
)

// IdempotencyKeyHeader carries the caller-chosen id of a manual event
const IdempotencyKeyHeader = "Idempotency-Key"

// EventManualType is the event type recorded for manual triggers
const EventManualType = "manual"

type EventReceiver interface {
	Receive(ctx context.Context, eventID string, p intake.Payload) (*intake.Result, error)
}

type EventHandler struct {
	intake EventReceiver
	secret []byte
}

// NewEventHandler creates an EventHandler. Webhook deliveries are rejected
// while secret is empty.
func NewEventHandler(receiver EventReceiver, secret string) *EventHandler {
	return &EventHandler{intake: receiver, secret: []byte(secret)}
}

func writeReceipt(w http.ResponseWriter, res *intake.Result) {
	status := http.StatusAccepted
	if res.Outcome == intake.OutcomeDuplicate {
		status = http.StatusOK
	}
	api.Success(w, status, res)
}

// GitHubWebhook verifies and receives a GitHub webhook delivery. The
// delivery id is the dedup key.
func (h *EventHandler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if len(h.secret) == 0 {
		api.Error(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := intake.VerifySignature(h.secret, body, r.Header.Get(intake.HeaderGitHubSignature)); err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("webhook: signature rejected")
		api.Error(w, http.StatusUnauthorized, err.Error())
		return
	}

	deliveryID, eventType := intake.GitHubDelivery(r.Header)
	if deliveryID == "" || eventType == "" {
		api.Error(w, http.StatusBadRequest, "missing delivery id or event type header")
		return
	}

	res, err := h.intake.Receive(r.Context(), deliveryID, intake.Payload{
		Source: domain.EventSourceGitHub,
		Type:   eventType,
		Body:   body,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}
	writeReceipt(w, res)
}

// Manual receives a manual trigger keyed by the Idempotency-Key header
func (h *EventHandler) Manual(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		api.Error(w, http.StatusBadRequest, IdempotencyKeyHeader+" header is required")
		return
	}

	var trigger intake.ManualTrigger
	if err := api.Decode(r, &trigger); err != nil {
		api.HandleError(w, err)
		return
	}
	body, err := json.Marshal(trigger)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	res, err := h.intake.Receive(r.Context(), key, intake.Payload{
		Source: domain.EventSourceManual,
		Type:   EventManualType,
		Body:   body,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}
	writeReceipt(w, res)
}
