package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/pipeline"
	"github.com/cloo-solutions/regaudit/internal/sink"
)

type seqUUID struct{ n atomic.Int64 }

func (g *seqUUID) NewString() string { return fmt.Sprintf("id-%d", g.n.Add(1)) }

type fakeSink struct {
	mu       sync.Mutex
	requests []sink.TicketRequest
	fail     map[string]error
	delay    time.Duration
}

func (s *fakeSink) CreateTicket(_ context.Context, req sink.TicketRequest) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	err := s.fail[req.ItemID]
	delay := s.delay
	s.mu.Unlock()

	time.Sleep(delay)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TICKET-%d", n), nil
}

func (s *fakeSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeDispatcher struct{ ids []string }

func (d *fakeDispatcher) DispatchCase(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return nil
}

type fixture struct {
	store       *memStore
	sink        *fakeSink
	svc         *Service
	calls       map[domain.Stage]*atomic.Int32
	planning    func(ctx context.Context, in pipeline.Input) (domain.StageOutput, error)
	investigate func(call int, in pipeline.Input) (domain.StageOutput, error)
}

var fixedNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func candidates() []domain.CandidatePair {
	var out []domain.CandidatePair
	for i, f := range []string{"store/a.go", "store/b.go", "store/c.go"} {
		out = append(out, domain.CandidatePair{
			CodeChunkID:  fmt.Sprintf("code-%d", i+1),
			RuleChunkID:  "rule-1",
			RegulationID: "gdpr",
			File:         f,
			StartLine:    1,
			EndLine:      20,
			RuleSection:  "Article 32",
		})
	}
	return out
}

func findings(in pipeline.Input, status domain.FindingStatus) domain.InvestigatingOutput {
	nav := in.Outputs[domain.StageNavigating].(domain.NavigatingOutput)
	out := domain.InvestigatingOutput{}
	for _, p := range nav.Kept {
		out.Findings = append(out.Findings, domain.Finding{
			Pair:           p,
			Status:         status,
			Confidence:     0.8,
			Summary:        "personal data written in plain text",
			Recommendation: "encrypt before writing",
		})
	}
	return out
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(func() time.Time { return fixedNow }),
		sink:  &fakeSink{fail: map[string]error{}},
		calls: map[domain.Stage]*atomic.Int32{},
	}
	for _, s := range domain.StageOrder {
		f.calls[s] = &atomic.Int32{}
	}
	f.planning = func(context.Context, pipeline.Input) (domain.StageOutput, error) {
		return domain.PlanningOutput{
			Rules:      []domain.RuleConstraint{{RuleChunkID: "rule-1", RegulationID: "gdpr", Action: "encrypt", Keywords: []string{"encrypt"}}},
			Candidates: candidates(),
		}, nil
	}
	f.investigate = func(_ int, in pipeline.Input) (domain.StageOutput, error) {
		return findings(in, domain.FindingMissing), nil
	}

	counted := func(s pipeline.Stage) pipeline.Stage {
		return pipeline.StageFunc{Stage: s.Name(), Fn: func(ctx context.Context, in pipeline.Input) (domain.StageOutput, error) {
			f.calls[s.Name()].Add(1)
			return s.Run(ctx, in)
		}}
	}
	p, err := pipeline.New(
		counted(pipeline.StageFunc{Stage: domain.StagePlanning, Fn: func(ctx context.Context, in pipeline.Input) (domain.StageOutput, error) {
			return f.planning(ctx, in)
		}}),
		counted(pipeline.NewNavigating()),
		pipeline.StageFunc{Stage: domain.StageInvestigating, Fn: func(_ context.Context, in pipeline.Input) (domain.StageOutput, error) {
			n := f.calls[domain.StageInvestigating].Add(1)
			return f.investigate(int(n), in)
		}},
		counted(pipeline.NewJudging()),
		counted(pipeline.NewRemediating()),
	)
	require.NoError(t, err)

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 2 * time.Second
	}
	opts = append([]Option{WithUUIDGen(&seqUUID{}), WithClock(func() time.Time { return fixedNow })}, opts...)
	f.svc = NewService(f.store, p, f.sink, cfg, opts...)
	return f
}

func start(t *testing.T, f *fixture) (*domain.AuditCase, error) {
	t.Helper()
	return f.svc.StartCase(context.Background(), StartInput{RepoID: "repo-1", RegulationIDs: []string{"gdpr"}})
}

func waitingCase(t *testing.T, f *fixture) *domain.AuditCase {
	t.Helper()
	c, err := start(t, f)
	require.NoError(t, err)
	require.Equal(t, domain.CaseStatusWaitingApproval, c.Status)
	return c
}

func count(types []domain.CaseEventType, typ domain.CaseEventType) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestRunCase_InvestigatingRetriesThenWaitsForApproval(t *testing.T) {
	f := newFixture(t, Config{})
	f.investigate = func(call int, in pipeline.Input) (domain.StageOutput, error) {
		if call <= 2 {
			return nil, errors.New("reasoner unavailable")
		}
		return findings(in, domain.FindingMissing), nil
	}

	c, err := start(t, f)
	require.NoError(t, err)

	assert.Equal(t, domain.CaseStatusWaitingApproval, c.Status)
	assert.Equal(t, domain.StageOrder, c.StepsCompleted)
	assert.Equal(t, domain.StageDone, c.CurrentStep)
	assert.True(t, c.RequiresApproval)
	assert.Len(t, c.ApprovalItems, 3)
	assert.Equal(t, 100, c.Progress())
	assert.Empty(t, c.LeaseOwner)

	assert.Equal(t, int32(3), f.calls[domain.StageInvestigating].Load())
	assert.Equal(t, int32(1), f.calls[domain.StagePlanning].Load())
	assert.Equal(t, 2, count(f.store.eventTypes(c.ID), domain.CaseEventStageRetry))
	assert.Zero(t, f.sink.calls(), "no ticket before approval")

	verdicts, err := f.svc.ListVerdicts(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, verdicts, 3)
}

func TestRunCase_ExhaustedStageFailsThenResumes(t *testing.T) {
	f := newFixture(t, Config{})
	f.investigate = func(call int, in pipeline.Input) (domain.StageOutput, error) {
		if call <= 3 {
			return nil, errors.New("reasoner unavailable")
		}
		return findings(in, domain.FindingMissing), nil
	}

	c, err := start(t, f)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeStageFailure, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "stage investigating failed after 3 attempts")

	assert.Equal(t, domain.CaseStatusFailed, c.Status)
	assert.Equal(t, domain.StageInvestigating, c.FailedStage)
	assert.Equal(t, domain.StageInvestigating, c.CurrentStep)
	assert.Equal(t, "reasoner unavailable", c.ErrorMessage)
	assert.Equal(t, []domain.Stage{domain.StagePlanning, domain.StageNavigating}, c.StepsCompleted)
	assert.Contains(t, c.Outputs, domain.StagePlanning)
	assert.Contains(t, c.Outputs, domain.StageNavigating)

	resumed, err := f.svc.ResumeCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusWaitingApproval, resumed.Status)
	assert.Empty(t, resumed.ErrorMessage)
	assert.Equal(t, int32(1), f.calls[domain.StagePlanning].Load(), "completed stages are not re-run")
	assert.Equal(t, int32(1), f.calls[domain.StageNavigating].Load())
	assert.Equal(t, int32(4), f.calls[domain.StageInvestigating].Load())
}

func TestRunCase_StepsAlwaysAPrefix(t *testing.T) {
	f := newFixture(t, Config{})
	f.investigate = func(call int, in pipeline.Input) (domain.StageOutput, error) {
		if call <= 3 {
			return nil, errors.New("reasoner unavailable")
		}
		return findings(in, domain.FindingMissing), nil
	}

	c, _ := start(t, f)
	_, err := f.svc.ResumeCase(context.Background(), c.ID)
	require.NoError(t, err)

	snaps := f.store.snapshots()
	require.NotEmpty(t, snaps)
	for i := range snaps {
		require.NoError(t, domain.ValidateAuditCase(&snaps[i]), "snapshot %d", i)
	}
}

func TestRunCase_StageTimeout(t *testing.T) {
	f := newFixture(t, Config{StageTimeout: 20 * time.Millisecond, StageMaxAttempts: 2})
	f.planning = func(ctx context.Context, _ pipeline.Input) (domain.StageOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c, err := start(t, f)
	require.Error(t, err)
	assert.Equal(t, domain.CaseStatusFailed, c.Status)
	assert.Contains(t, c.ErrorMessage, "timed out")
	assert.Equal(t, int32(2), f.calls[domain.StagePlanning].Load())
	assert.Empty(t, c.StepsCompleted)
}

func TestRunCase_PermanentErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, Config{})
	f.planning = func(context.Context, pipeline.Input) (domain.StageOutput, error) {
		return nil, fmt.Errorf("rule text: %w", domain.ErrEmptySource)
	}

	c, err := start(t, f)
	require.Error(t, err)
	assert.Equal(t, domain.CaseStatusFailed, c.Status)
	assert.Equal(t, int32(1), f.calls[domain.StagePlanning].Load())
}

func TestRunCase_NoActiveRulesCompletes(t *testing.T) {
	f := newFixture(t, Config{})
	f.planning = func(context.Context, pipeline.Input) (domain.StageOutput, error) {
		return domain.PlanningOutput{}, nil
	}

	c, err := start(t, f)
	require.NoError(t, err)

	assert.Equal(t, domain.CaseStatusCompleted, c.Status)
	assert.Equal(t, []domain.Stage{domain.StagePlanning}, c.StepsCompleted)
	assert.False(t, c.RequiresApproval)
	assert.NotNil(t, c.CompletedAt)
	assert.Zero(t, f.calls[domain.StageNavigating].Load())
	assert.Equal(t, 100, c.Progress())
}

func TestRunCase_NoViolationsCompletesWithoutApproval(t *testing.T) {
	f := newFixture(t, Config{})
	f.investigate = func(_ int, in pipeline.Input) (domain.StageOutput, error) {
		return findings(in, domain.FindingImplemented), nil
	}

	c, err := start(t, f)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusCompleted, c.Status)
	assert.False(t, c.RequiresApproval)
	assert.Empty(t, c.ApprovalItems)
	assert.Equal(t, domain.StageOrder, c.StepsCompleted)
}

func TestRunCase_CancelledAtStageBoundary(t *testing.T) {
	f := newFixture(t, Config{})
	inner := f.planning
	f.planning = func(ctx context.Context, in pipeline.Input) (domain.StageOutput, error) {
		_, err := f.svc.CancelCase(ctx, in.Case.ID)
		require.NoError(t, err)
		return inner(ctx, in)
	}

	c, err := start(t, f)
	require.NoError(t, err)

	assert.Equal(t, domain.CaseStatusFailed, c.Status)
	assert.Equal(t, "cancelled", c.ErrorMessage)
	assert.Equal(t, []domain.Stage{domain.StagePlanning}, c.StepsCompleted, "the running stage completes")
	assert.Zero(t, f.calls[domain.StageNavigating].Load())
	assert.Contains(t, f.store.eventTypes(c.ID), domain.CaseEventCancelled)

	_, err = f.svc.CancelCase(context.Background(), c.ID)
	assert.ErrorIs(t, err, domain.ErrCaseNotCancellable)
}

func TestRunCase_LeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c, err := f.svc.StartCaseForEvent(ctx, "evt-1", StartInput{RepoID: "repo-1", RegulationIDs: []string{"gdpr"}})
	require.NoError(t, err)
	_, err = f.store.AcquireLease(ctx, c.ID, "other-worker", fixedNow.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.svc.RunCase(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrCaseBusy)
	assert.True(t, domain.IsStateConflict(err))

	_, err = f.svc.ResumeCase(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrCaseBusy)
	assert.Zero(t, f.calls[domain.StagePlanning].Load())
}

func TestRunCase_TerminalCaseIsUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	c := waitingCase(t, f)

	again, err := f.svc.RunCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Version, again.Version)
	assert.Equal(t, int32(1), f.calls[domain.StagePlanning].Load())

	_, err = f.svc.ResumeCase(context.Background(), c.ID)
	assert.ErrorIs(t, err, domain.ErrCaseNotResumable)
}

func TestStartCase_Validation(t *testing.T) {
	tests := []struct {
		name    string
		in      StartInput
		wantErr error
	}{
		{name: "missing repository", in: StartInput{RegulationIDs: []string{"gdpr"}}, wantErr: domain.ErrMissingRequiredField},
		{name: "no regulations", in: StartInput{RepoID: "repo-1"}, wantErr: domain.ErrMissingRequiredField},
		{name: "blank regulation ids", in: StartInput{RepoID: "repo-1", RegulationIDs: []string{""}}, wantErr: domain.ErrMissingRequiredField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			_, err := f.svc.StartCase(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, domain.ErrCodeValidation, domain.CodeOf(err))
		})
	}
}

func TestStartCase_WithDispatcher(t *testing.T) {
	d := &fakeDispatcher{}
	f := newFixture(t, Config{}, WithDispatcher(d))

	c, err := f.svc.StartCase(context.Background(), StartInput{RepoID: "repo-1", RegulationIDs: []string{"gdpr", "gdpr", "pci"}})
	require.NoError(t, err)

	assert.Equal(t, domain.CaseStatusPending, c.Status)
	assert.Equal(t, []string{"gdpr", "pci"}, c.RegulationIDs)
	assert.Equal(t, []string{c.ID}, d.ids)
	assert.Zero(t, f.calls[domain.StagePlanning].Load())
}

func TestStartCaseForEvent_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	in := StartInput{RepoID: "repo-1", RegulationIDs: []string{"gdpr"}}

	first, err := f.svc.StartCaseForEvent(ctx, "delivery-1", in)
	require.NoError(t, err)
	second, err := f.svc.StartCaseForEvent(ctx, "delivery-1", in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.store.cases, 1)

	_, err = f.svc.StartCaseForEvent(ctx, "", in)
	assert.ErrorIs(t, err, domain.ErrMissingRequiredField)
}

func TestListEvents_Paginates(t *testing.T) {
	f := newFixture(t, Config{})
	c := waitingCase(t, f)
	ctx := context.Background()

	all, err := f.svc.ListEvents(ctx, c.ID, "", 0)
	require.NoError(t, err)
	require.Greater(t, len(all.Items), 4)
	assert.False(t, all.HasMore)

	first, err := f.svc.ListEvents(ctx, c.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)

	next, err := f.svc.ListEvents(ctx, c.ID, first.Cursor, 2)
	require.NoError(t, err)
	require.NotEmpty(t, next.Items)
	assert.Equal(t, all.Items[2].Seq, next.Items[0].Seq)

	_, err = f.svc.ListEvents(ctx, c.ID, "not-a-cursor!", 2)
	assert.Equal(t, domain.ErrCodeValidation, domain.CodeOf(err))

	_, err = f.svc.ListEvents(ctx, "missing", "", 2)
	assert.ErrorIs(t, err, domain.ErrCaseNotFound)
}

func TestReviewVerdict_OptimisticVersion(t *testing.T) {
	f := newFixture(t, Config{})
	c := waitingCase(t, f)
	ctx := context.Background()

	verdicts, err := f.svc.ListVerdicts(ctx, c.ID)
	require.NoError(t, err)
	v := verdicts[0]

	updated, err := f.svc.ReviewVerdict(ctx, VerdictReviewInput{VerdictID: v.ID, Status: domain.ReviewStatusApproved, Note: "confirmed", ExpectedVersion: v.Version})
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStatusApproved, updated.ReviewStatus)
	assert.Equal(t, v.Version+1, updated.Version)

	_, err = f.svc.ReviewVerdict(ctx, VerdictReviewInput{VerdictID: v.ID, Status: domain.ReviewStatusRejected, ExpectedVersion: v.Version})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.True(t, domain.IsStateConflict(err))

	_, err = f.svc.ReviewVerdict(ctx, VerdictReviewInput{VerdictID: v.ID, Status: "maybe"})
	assert.ErrorIs(t, err, domain.ErrInvalidReviewStatus)
}
