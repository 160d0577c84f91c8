package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// memStore is an in-memory Store with the fencing rules of the Postgres one.
// Every stored case state is kept in history.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	cases    map[string]*domain.AuditCase
	verdicts map[string]domain.Verdict
	events   map[string][]domain.CaseEvent
	seq      int64
	history  []domain.AuditCase
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:      now,
		cases:    make(map[string]*domain.AuditCase),
		verdicts: make(map[string]domain.Verdict),
		events:   make(map[string][]domain.CaseEvent),
	}
}

func cloneCase(c *domain.AuditCase) *domain.AuditCase {
	out := *c
	out.RegulationIDs = append([]string(nil), c.RegulationIDs...)
	out.StepsCompleted = append([]domain.Stage{}, c.StepsCompleted...)
	out.ApprovalItems = append([]domain.ApprovalItem(nil), c.ApprovalItems...)
	out.Outputs = make(map[domain.Stage]domain.StageOutput, len(c.Outputs))
	for k, v := range c.Outputs {
		out.Outputs[k] = v
	}
	if c.LeaseExpiresAt != nil {
		t := *c.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	return &out
}

func (m *memStore) save(c *domain.AuditCase, bump bool, events []domain.CaseEvent) *domain.AuditCase {
	if bump {
		c.Version++
		c.UpdatedAt = m.now()
	}
	for _, e := range events {
		m.seq++
		e.Seq = m.seq
		m.events[c.ID] = append(m.events[c.ID], e)
	}
	m.history = append(m.history, *cloneCase(c))
	return cloneCase(c)
}

func (m *memStore) get(id string) (*domain.AuditCase, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, domain.ErrCaseNotFound
	}
	return c, nil
}

func (m *memStore) fenced(id, owner string) (*domain.AuditCase, error) {
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if c.LeaseOwner != owner {
		return nil, domain.ErrLeaseLost
	}
	return c, nil
}

func (m *memStore) CreateCase(_ context.Context, c *domain.AuditCase, events ...domain.CaseEvent) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.TriggerEventID != "" {
		for _, existing := range m.cases {
			if existing.TriggerEventID == c.TriggerEventID {
				return cloneCase(existing), nil
			}
		}
	}
	stored := cloneCase(c)
	m.cases[c.ID] = stored
	return m.save(stored, false, events), nil
}

func (m *memStore) GetCase(_ context.Context, id string) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return cloneCase(c), nil
}

func (m *memStore) AcquireLease(_ context.Context, id, owner string, until time.Time) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if c.LeaseOwner != owner && c.LeaseHeld(m.now()) {
		return nil, domain.ErrCaseBusy
	}
	if c.Status != domain.CaseStatusPending && c.Status != domain.CaseStatusRunning {
		return cloneCase(c), nil
	}
	c.LeaseOwner = owner
	c.LeaseExpiresAt = &until
	bump := c.Status == domain.CaseStatusPending
	c.Status = domain.CaseStatusRunning
	return m.save(c, bump, nil), nil
}

func (m *memStore) ReleaseLease(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return err
	}
	if c.LeaseOwner == owner {
		c.LeaseOwner = ""
		c.LeaseExpiresAt = nil
	}
	return nil
}

func (m *memStore) CommitStage(_ context.Context, commit StageCommit) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.fenced(commit.CaseID, commit.Owner)
	if err != nil {
		return nil, err
	}
	if c.NextStage() != commit.Stage {
		return nil, domain.ErrStageOutOfOrder
	}

	c.StepsCompleted = append(c.StepsCompleted, commit.Stage)
	c.Outputs[commit.Stage] = commit.Output
	c.Status = commit.Status
	c.CurrentStep = c.NextStage()
	if commit.Approval != nil {
		c.RequiresApproval = true
		c.ApprovalItems = append([]domain.ApprovalItem(nil), commit.Approval...)
	}
	for _, v := range commit.Verdicts {
		m.verdicts[v.ID] = v
	}
	if commit.Status == domain.CaseStatusRunning {
		until := commit.LeaseUntil
		c.LeaseExpiresAt = &until
	} else {
		c.CurrentStep = domain.StageDone
		c.LeaseOwner = ""
		c.LeaseExpiresAt = nil
	}
	if commit.Status == domain.CaseStatusCompleted {
		now := commit.Now
		c.CompletedAt = &now
	}
	return m.save(c, true, commit.Events), nil
}

func (m *memStore) FailCase(_ context.Context, f CaseFailure) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.fenced(f.CaseID, f.Owner)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CaseStatusFailed
	c.FailedStage = f.Stage
	c.ErrorMessage = f.Message
	c.LeaseOwner = ""
	c.LeaseExpiresAt = nil
	return m.save(c, true, f.Events), nil
}

func (m *memStore) AppendEvents(_ context.Context, id string, events ...domain.CaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return err
	}
	m.save(c, false, events)
	return nil
}

func (m *memStore) RequestCancel(_ context.Context, id string) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	c.CancelRequested = true
	return m.save(c, true, nil), nil
}

func (m *memStore) ResetForResume(_ context.Context, id string, now time.Time, events ...domain.CaseEvent) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !c.Resumable(now) {
		return nil, domain.ErrCaseNotResumable
	}
	c.Status = domain.CaseStatusPending
	c.ErrorMessage = ""
	c.FailedStage = ""
	c.CancelRequested = false
	return m.save(c, true, events), nil
}

func (m *memStore) RecordApproval(_ context.Context, rec ApprovalRecord) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(rec.CaseID)
	if err != nil {
		return nil, err
	}
	if c.Version != rec.ExpectedVersion {
		return nil, domain.ErrVersionConflict
	}
	if c.Status != domain.CaseStatusWaitingApproval {
		return nil, domain.ErrCaseNotAwaiting
	}
	c.UserDecision = rec.Decision
	c.ApprovalItems = append([]domain.ApprovalItem(nil), rec.Items...)
	c.Status = domain.CaseStatusCompleted
	now := rec.Now
	c.CompletedAt = &now
	return m.save(c, true, rec.Events), nil
}

func (m *memStore) ClaimTicket(_ context.Context, id, itemID, owner string, until time.Time) (*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	it := c.FindApprovalItem(itemID)
	if it == nil {
		return nil, domain.ErrUnknownApprovalItem
	}
	if err := it.ClaimTicket(owner, m.now(), until); err != nil {
		return nil, err
	}
	claimed := *it
	m.save(c, false, nil)
	return &claimed, nil
}

func (m *memStore) RecordTicket(_ context.Context, id, owner string, item domain.ApprovalItem, events ...domain.CaseEvent) (*domain.AuditCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	it := c.FindApprovalItem(item.ID)
	if it == nil {
		return nil, domain.ErrUnknownApprovalItem
	}
	if err := it.RecordTicketOutcome(owner, item); err != nil {
		return nil, err
	}
	return m.save(c, true, events), nil
}

func (m *memStore) ListVerdicts(_ context.Context, caseID string) ([]domain.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Verdict
	for _, v := range m.verdicts {
		if v.CaseID == caseID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].StartLine < out[j].StartLine
	})
	return out, nil
}

func (m *memStore) GetVerdict(_ context.Context, id string) (*domain.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verdicts[id]
	if !ok {
		return nil, domain.ErrVerdictNotFound
	}
	return &v, nil
}

func (m *memStore) ReviewVerdict(_ context.Context, r VerdictReview) (*domain.Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verdicts[r.VerdictID]
	if !ok {
		return nil, domain.ErrVerdictNotFound
	}
	if v.Version != r.ExpectedVersion {
		return nil, domain.ErrVersionConflict
	}
	v.ReviewStatus = r.Status
	v.ReviewerNote = r.Note
	v.Version++
	v.UpdatedAt = r.Now
	m.verdicts[v.ID] = v
	return &v, nil
}

func (m *memStore) ListEvents(_ context.Context, caseID string, afterSeq int64, limit int) ([]domain.CaseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CaseEvent
	for _, e := range m.events[caseID] {
		if e.Seq > afterSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) eventTypes(caseID string) []domain.CaseEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CaseEventType
	for _, e := range m.events[caseID] {
		out = append(out, e.Type)
	}
	return out
}

func (m *memStore) snapshots() []domain.AuditCase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditCase(nil), m.history...)
}
