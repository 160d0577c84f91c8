// Package sink creates remediation tickets for approved approval items.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// TicketRequest is the payload of one ticket
type TicketRequest struct {
	ViolationID string          `json:"violation_id"`
	ItemID      string          `json:"item_id"`
	CaseID      string          `json:"case_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	File        string          `json:"file"`
	Priority    domain.Priority `json:"priority"`
}

// NewTicketRequest builds the request for an approved item of caseID
func NewTicketRequest(caseID string, item domain.ApprovalItem) TicketRequest {
	return TicketRequest{
		ViolationID: item.VerdictID,
		ItemID:      item.ID,
		CaseID:      caseID,
		Title:       item.Title,
		Description: item.Description,
		File:        item.File,
		Priority:    item.Priority,
	}
}

// WebhookSink POSTs ticket requests to an HTTP endpoint that answers
// {"ticket_id": "..."}.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a WebhookSink
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

type ticketResponse struct {
	TicketID string `json:"ticket_id"`
}

// CreateTicket returns the id the endpoint assigned
func (s *WebhookSink) CreateTicket(ctx context.Context, req TicketRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ItemID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) {
			return "", domain.NewDomainErrorWithCause(domain.ErrCodeTransientProvider, "ticket sink unreachable", err)
		}
		return "", fmt.Errorf("send ticket: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ticket response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", domain.NewDomainError(domain.ErrCodeTransientProvider,
			fmt.Sprintf("ticket sink returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	case resp.StatusCode >= 300:
		return "", domain.NewDomainError(domain.ErrCodePermanentInput,
			fmt.Sprintf("ticket sink returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var out ticketResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	if out.TicketID == "" {
		return "", fmt.Errorf("ticket sink response has no ticket_id")
	}
	return out.TicketID, nil
}

// LogSink writes tickets to the log and returns generated ids. It is the
// default when no webhook is configured.
type LogSink struct {
	prefix string
	now    func() time.Time
	n      atomic.Int64
}

// NewLogSink creates a LogSink issuing ids "<prefix>-<unix>-<n>"
func NewLogSink(prefix string) *LogSink {
	if prefix == "" {
		prefix = "REG"
	}
	return &LogSink{prefix: prefix, now: time.Now}
}

// CreateTicket logs the request and returns a fresh id
func (s *LogSink) CreateTicket(_ context.Context, req TicketRequest) (string, error) {
	id := fmt.Sprintf("%s-%d-%d", s.prefix, s.now().Unix(), s.n.Add(1))
	log.Info().
		Str("ticket_id", id).
		Str("case_id", req.CaseID).
		Str("violation_id", req.ViolationID).
		Str("file", req.File).
		Str("priority", string(req.Priority)).
		Str("title", req.Title).
		Msg("sink: ticket created")
	return id, nil
}
