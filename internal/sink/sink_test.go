package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

func request() TicketRequest {
	return NewTicketRequest("case-1", domain.ApprovalItem{
		ID:          "item-1",
		VerdictID:   "verdict-1",
		Title:       "Fix gdpr gap in auth/login.go:1",
		Description: "passwords stored in plain text",
		File:        "auth/login.go",
		Priority:    domain.PriorityHigh,
	})
}

func TestWebhookSink_CreateTicket(t *testing.T) {
	var got TicketRequest
	var idempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idempotencyKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ticket_id": "JIRA-101"}`))
	}))
	defer srv.Close()

	id, err := NewWebhookSink(srv.URL, nil).CreateTicket(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "JIRA-101", id)
	assert.Equal(t, "item-1", idempotencyKey)
	assert.Equal(t, "verdict-1", got.ViolationID)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
}

func TestWebhookSink_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantPermanent bool
		errMsg        string
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", wantTransient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "rejected", status: http.StatusUnprocessableEntity, body: "unknown project", wantPermanent: true},
		{name: "missing id", status: http.StatusOK, body: `{}`, errMsg: "ticket sink response has no ticket_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewWebhookSink(srv.URL, nil).CreateTicket(context.Background(), request())
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, domain.IsTransient(err))
			assert.Equal(t, tt.wantPermanent, domain.IsPermanentInput(err))
			if tt.errMsg != "" {
				assert.EqualError(t, err, tt.errMsg)
			}
		})
	}
}

func TestLogSink_IssuesDistinctIDs(t *testing.T) {
	s := NewLogSink("SEC")
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	first, err := s.CreateTicket(context.Background(), request())
	require.NoError(t, err)
	second, err := s.CreateTicket(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "SEC-1700000000-1", first)
	assert.Equal(t, "SEC-1700000000-2", second)
}
