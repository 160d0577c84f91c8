// Package report renders the JSON summary of a finished audit case and
// archives it to object storage.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// Report is the archived summary of one case
type Report struct {
	CaseID        string                  `json:"case_id"`
	RepoID        string                  `json:"repo_id"`
	RegulationIDs []string                `json:"regulation_ids"`
	Status        domain.CaseStatus       `json:"status"`
	Decision      domain.Decision         `json:"decision,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Counts        map[domain.Severity]int `json:"counts_by_severity"`
	Violations    int                     `json:"violations"`
	Verdicts      []VerdictEntry          `json:"verdicts"`
	Tickets       []TicketEntry           `json:"tickets"`
}

// VerdictEntry is one verdict line of a report
type VerdictEntry struct {
	ID             string                `json:"id"`
	File           string                `json:"file"`
	StartLine      int                   `json:"start_line"`
	EndLine        int                   `json:"end_line"`
	Classification domain.Classification `json:"classification"`
	Severity       domain.Severity       `json:"severity"`
	RegulationIDs  []string              `json:"regulation_ids"`
	ReviewStatus   domain.ReviewStatus   `json:"review_status"`
}

// TicketEntry is the ticket outcome of one approval item
type TicketEntry struct {
	ItemID   string          `json:"item_id"`
	Title    string          `json:"title"`
	Priority domain.Priority `json:"priority"`
	Approved bool            `json:"approved"`
	TicketID string          `json:"ticket_id,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Build summarises c and its verdicts. Verdicts are listed by severity
// score descending, then file and start line.
func Build(c *domain.AuditCase, verdicts []domain.Verdict, now time.Time) *Report {
	r := &Report{
		CaseID:        c.ID,
		RepoID:        c.RepoID,
		RegulationIDs: c.RegulationIDs,
		Status:        c.Status,
		Decision:      c.UserDecision,
		CreatedAt:     c.CreatedAt,
		CompletedAt:   c.CompletedAt,
		GeneratedAt:   now,
		Counts:        make(map[domain.Severity]int),
		Verdicts:      make([]VerdictEntry, 0, len(verdicts)),
		Tickets:       make([]TicketEntry, 0, len(c.ApprovalItems)),
	}

	sorted := append([]domain.Verdict(nil), verdicts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Severity.Score() != b.Severity.Score() {
			return a.Severity.Score() > b.Severity.Score()
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.StartLine < b.StartLine
	})
	for _, v := range sorted {
		r.Counts[v.Severity]++
		if v.Classification == domain.ClassificationNonCompliant {
			r.Violations++
		}
		r.Verdicts = append(r.Verdicts, VerdictEntry{
			ID:             v.ID,
			File:           v.File,
			StartLine:      v.StartLine,
			EndLine:        v.EndLine,
			Classification: v.Classification,
			Severity:       v.Severity,
			RegulationIDs:  v.RegulationIDs,
			ReviewStatus:   v.ReviewStatus,
		})
	}

	for _, it := range c.ApprovalItems {
		r.Tickets = append(r.Tickets, TicketEntry{
			ItemID:   it.ID,
			Title:    it.Title,
			Priority: it.Priority,
			Approved: it.Approved,
			TicketID: it.TicketID,
			Error:    it.TicketError,
		})
	}
	return r
}

// ObjectWriter stores report bodies
type ObjectWriter interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
}

// Archiver writes case reports to object storage
type Archiver struct {
	store  ObjectWriter
	prefix string
	now    func() time.Time
}

// NewArchiver creates an Archiver writing under prefix
func NewArchiver(store ObjectWriter, prefix string) *Archiver {
	if prefix == "" {
		prefix = "reports"
	}
	return &Archiver{store: store, prefix: prefix, now: time.Now}
}

// URLSigner issues time-limited download links
type URLSigner interface {
	GenerateDownloadURL(ctx context.Context, key string) (string, error)
}

// ObjectChecker reports whether an object was written
type ObjectChecker interface {
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// DownloadURL returns a presigned link to the archived report of c when the
// store can sign URLs.
func (a *Archiver) DownloadURL(ctx context.Context, c *domain.AuditCase) (string, error) {
	signer, ok := a.store.(URLSigner)
	if !ok {
		return "", domain.NewDomainError(domain.ErrCodeInvalidOperation, "report storage cannot sign download links")
	}
	if c.Status != domain.CaseStatusCompleted {
		return "", fmt.Errorf("%w: case is %s", domain.ErrReportNotArchived, c.Status)
	}
	key := a.Key(c)
	if checker, ok := a.store.(ObjectChecker); ok {
		exists, err := checker.ObjectExists(ctx, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("%w: %s", domain.ErrReportNotArchived, key)
		}
	}
	return signer.GenerateDownloadURL(ctx, key)
}

// Key returns the object key of a case report
func (a *Archiver) Key(c *domain.AuditCase) string {
	return path.Join(a.prefix, c.RepoID, c.ID+".json")
}

// ArchiveCase renders and stores the report of c
func (a *Archiver) ArchiveCase(ctx context.Context, c *domain.AuditCase, verdicts []domain.Verdict) error {
	body, err := json.MarshalIndent(Build(c, verdicts, a.now().UTC()), "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	key := a.Key(c)
	if err := a.store.PutObject(ctx, key, "application/json", body); err != nil {
		return err
	}
	log.Info().Str("case_id", c.ID).Str("key", key).Int("verdicts", len(verdicts)).Msg("report: case archived")
	return nil
}
