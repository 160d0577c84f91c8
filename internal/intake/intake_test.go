package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
)

type memEvents struct {
	mu     sync.Mutex
	events map[string]*domain.InboundEvent
}

func (m *memEvents) RecordEvent(_ context.Context, e *domain.InboundEvent) (*domain.InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.events[e.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *e
	m.events[e.ID] = &cp
	return e, nil
}

func (m *memEvents) MarkProcessed(_ context.Context, id, caseID string, jobID int64, skip string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return errors.New("no such event")
	}
	e.Processed = true
	e.ProcessedAt = &now
	e.CaseID = caseID
	e.JobID = jobID
	e.SkipReason = skip
	return nil
}

type memRepos map[string]*domain.Repository

func (m memRepos) GetRepository(_ context.Context, id string) (*domain.Repository, error) {
	if r, ok := m[id]; ok {
		return r, nil
	}
	return nil, domain.ErrRepositoryNotFound
}

func (m memRepos) GetRepositoryByFullName(_ context.Context, name string) (*domain.Repository, error) {
	for _, r := range m {
		if r.FullName == name {
			return r, nil
		}
	}
	return nil, domain.ErrRepositoryNotFound
}

type fakeCases struct {
	byEvent map[string]*domain.AuditCase
	inputs  []orchestrator.StartInput
}

func (f *fakeCases) StartCaseForEvent(_ context.Context, eventID string, in orchestrator.StartInput) (*domain.AuditCase, error) {
	if c, ok := f.byEvent[eventID]; ok {
		return c, nil
	}
	f.inputs = append(f.inputs, in)
	c := &domain.AuditCase{ID: fmt.Sprintf("case-%d", len(f.byEvent)+1), RepoID: in.RepoID, RegulationIDs: in.RegulationIDs}
	f.byEvent[eventID] = c
	return c, nil
}

type fakeQueue struct {
	enqueued []string
	err      error
}

func (q *fakeQueue) EnqueueCase(_ context.Context, caseID, _ string) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.enqueued = append(q.enqueued, caseID)
	return int64(len(q.enqueued)), nil
}

type intakeFixture struct {
	events *memEvents
	cases  *fakeCases
	queue  *fakeQueue
	svc    *Service
}

func newIntakeFixture() *intakeFixture {
	f := &intakeFixture{
		events: &memEvents{events: map[string]*domain.InboundEvent{}},
		cases:  &fakeCases{byEvent: map[string]*domain.AuditCase{}},
		queue:  &fakeQueue{},
	}
	repos := memRepos{
		"repo-1": domain.NewRepository("repo-1", "acme/payments", "main", []string{"gdpr"}, time.Time{}),
		"repo-2": domain.NewRepository("repo-2", "acme/docs", "main", nil, time.Time{}),
	}
	f.svc = NewService(f.events, repos, f.cases, f.queue)
	return f
}

func manual(t *testing.T, v any) Payload {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return Payload{Source: domain.EventSourceManual, Type: "scan", Body: body}
}

func push(ref string) Payload {
	body := fmt.Sprintf(`{"ref":%q,"repository":{"full_name":"acme/payments","default_branch":"main"}}`, ref)
	return Payload{Source: domain.EventSourceGitHub, Type: GitHubEventPush, Body: json.RawMessage(body)}
}

func TestReceive_AcceptsThenDeduplicates(t *testing.T) {
	f := newIntakeFixture()
	ctx := context.Background()

	first, err := f.svc.Receive(ctx, "evt-1", push("refs/heads/main"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)
	assert.Equal(t, "case-1", first.CaseID)
	assert.Equal(t, int64(1), first.JobID)

	second, err := f.svc.Receive(ctx, "evt-1", push("refs/heads/main"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.CaseID, second.CaseID)
	assert.Equal(t, first.JobID, second.JobID)

	assert.Len(t, f.queue.enqueued, 1, "a duplicate is never enqueued")
	assert.True(t, f.events.events["evt-1"].Processed)
	assert.Equal(t, []orchestrator.StartInput{{RepoID: "repo-1", RegulationIDs: []string{"gdpr"}}}, f.cases.inputs)
}

func TestReceive_EnqueueFailureLeavesEventUnprocessed(t *testing.T) {
	f := newIntakeFixture()
	ctx := context.Background()
	f.queue.err = errors.New("queue unavailable")

	_, err := f.svc.Receive(ctx, "evt-1", manual(t, ManualTrigger{RepoID: "repo-1"}))
	require.Error(t, err)
	assert.False(t, f.events.events["evt-1"].Processed)

	f.queue.err = nil
	res, err := f.svc.Receive(ctx, "evt-1", manual(t, ManualTrigger{RepoID: "repo-1"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, "case-1", res.CaseID, "redelivery reuses the case")
	assert.Len(t, f.cases.byEvent, 1)
}

func TestReceive_Skips(t *testing.T) {
	tests := []struct {
		name    string
		payload func(t *testing.T) Payload
		reason  string
	}{
		{
			name:    "feature branch push",
			payload: func(*testing.T) Payload { return push("refs/heads/feature/x") },
			reason:  SkipNonDefaultBranch,
		},
		{
			name:    "tag push",
			payload: func(*testing.T) Payload { return push("refs/tags/v1.0.0") },
			reason:  SkipUnsupportedAction,
		},
		{
			name: "unsupported event",
			payload: func(*testing.T) Payload {
				return Payload{Source: domain.EventSourceGitHub, Type: "issues", Body: json.RawMessage(`{}`)}
			},
			reason: SkipUnsupportedEvent,
		},
		{
			name: "closed pull request",
			payload: func(*testing.T) Payload {
				return Payload{Source: domain.EventSourceGitHub, Type: GitHubEventPullRequest,
					Body: json.RawMessage(`{"action":"closed","repository":{"full_name":"acme/payments"}}`)}
			},
			reason: SkipUnsupportedAction,
		},
		{
			name: "unregistered repository",
			payload: func(*testing.T) Payload {
				return Payload{Source: domain.EventSourceGitHub, Type: GitHubEventPush,
					Body: json.RawMessage(`{"ref":"refs/heads/main","repository":{"full_name":"acme/other"}}`)}
			},
			reason: SkipUnknownRepository,
		},
		{
			name:    "repository without regulations",
			payload: func(t *testing.T) Payload { return manual(t, ManualTrigger{RepoID: "repo-2"}) },
			reason:  SkipNoRegulations,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIntakeFixture()
			res, err := f.svc.Receive(context.Background(), "evt-1", tt.payload(t))
			require.NoError(t, err)

			assert.Equal(t, OutcomeAccepted, res.Outcome)
			assert.True(t, res.Skipped)
			assert.Equal(t, tt.reason, res.SkipReason)
			assert.Empty(t, f.queue.enqueued)
			assert.True(t, f.events.events["evt-1"].Processed)

			again, err := f.svc.Receive(context.Background(), "evt-1", tt.payload(t))
			require.NoError(t, err)
			assert.Equal(t, OutcomeDuplicate, again.Outcome)
			assert.Equal(t, tt.reason, again.SkipReason)
		})
	}
}

func TestReceive_PullRequestStartsCase(t *testing.T) {
	f := newIntakeFixture()
	p := Payload{Source: domain.EventSourceGitHub, Type: GitHubEventPullRequest,
		Body: json.RawMessage(`{"action":"synchronize","repository":{"full_name":"acme/payments"}}`)}

	res, err := f.svc.Receive(context.Background(), "evt-pr", p)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, []string{res.CaseID}, f.queue.enqueued)
}

func TestReceive_ManualWithExplicitRegulations(t *testing.T) {
	f := newIntakeFixture()
	res, err := f.svc.Receive(context.Background(), "evt-9", manual(t, ManualTrigger{RepoID: "repo-x", RegulationIDs: []string{"pci"}}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, []orchestrator.StartInput{{RepoID: "repo-x", RegulationIDs: []string{"pci"}}}, f.cases.inputs)
}

func TestReceive_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		eventID  string
		payload  Payload
		wantCode string
	}{
		{
			name:     "missing event id",
			payload:  Payload{Source: domain.EventSourceManual, Type: "scan", Body: json.RawMessage(`{}`)},
			wantCode: domain.ErrCodeValidation,
		},
		{
			name:     "unknown source",
			eventID:  "evt-1",
			payload:  Payload{Source: "gitlab", Type: "push", Body: json.RawMessage(`{}`)},
			wantCode: domain.ErrCodeValidation,
		},
		{
			name:     "malformed manual body",
			eventID:  "evt-1",
			payload:  Payload{Source: domain.EventSourceManual, Type: "scan", Body: json.RawMessage(`{`)},
			wantCode: domain.ErrCodePermanentInput,
		},
		{
			name:     "manual without repository",
			eventID:  "evt-1",
			payload:  Payload{Source: domain.EventSourceManual, Type: "scan", Body: json.RawMessage(`{}`)},
			wantCode: domain.ErrCodeValidation,
		},
		{
			name:     "malformed github body",
			eventID:  "evt-1",
			payload:  Payload{Source: domain.EventSourceGitHub, Type: GitHubEventPush, Body: json.RawMessage(`[]`)},
			wantCode: domain.ErrCodePermanentInput,
		},
		{
			name:     "unknown manual repository",
			eventID:  "evt-1",
			payload:  Payload{Source: domain.EventSourceManual, Type: "scan", Body: json.RawMessage(`{"repo_id":"nope"}`)},
			wantCode: domain.ErrCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIntakeFixture()
			_, err := f.svc.Receive(context.Background(), tt.eventID, tt.payload)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, domain.CodeOf(err))
			assert.Empty(t, f.queue.enqueued)
		})
	}
}
