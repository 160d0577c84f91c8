//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/chunker"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/embedder"
	"github.com/cloo-solutions/regaudit/internal/ingest"
	"github.com/cloo-solutions/regaudit/internal/intake"
	"github.com/cloo-solutions/regaudit/internal/jobs"
	"github.com/cloo-solutions/regaudit/internal/llm"
	"github.com/cloo-solutions/regaudit/internal/matcher"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
	"github.com/cloo-solutions/regaudit/internal/pipeline"
	"github.com/cloo-solutions/regaudit/internal/registry"
	"github.com/cloo-solutions/regaudit/internal/repository"
	"github.com/cloo-solutions/regaudit/internal/server"
	"github.com/cloo-solutions/regaudit/internal/sink"
	"github.com/cloo-solutions/regaudit/internal/testutil"
	"github.com/cloo-solutions/regaudit/internal/vectorindex"
)

const webhookSecret = "e2e-secret"

const regulationsYAML = `regulations:
  - id: acme-sec
    title: "ACME Security Baseline"
    issuing_body: ACME Compliance Office
    text: |
      1. Personal data stored at rest shall be encrypted with a strong cipher so that
      card numbers and customer records are never written to disk in plaintext form.

      2. Administrator sessions shall expire after fifteen minutes of inactivity and
      every session token shall be invalidated when the administrator signs out.
`

// keywordProvider embeds text as hashed word counts, so texts sharing
// words are close in cosine distance.
type keywordProvider struct {
	dims int
}

func (p keywordProvider) Model() string { return "keyword-e2e" }

func (p keywordProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, p.dims)
		v[0] = 0.1
		for _, w := range strings.Fields(strings.ToLower(text)) {
			w = strings.Trim(w, ".,;:()[]{}\"'`")
			if len(w) < 4 {
				continue
			}
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[1+int(h.Sum32()%uint32(p.dims-1))]++
		}
		out[i] = v
	}
	return out, nil
}

// scriptedReasoner reports a missing control when plaintext storage meets
// an encryption rule and an implemented one otherwise.
type scriptedReasoner struct{}

func (scriptedReasoner) Investigate(_ context.Context, ev llm.Evidence) (*llm.Assessment, error) {
	if strings.Contains(ev.RuleText, "encrypted") && strings.Contains(ev.CodeText, "plaintext") {
		return &llm.Assessment{
			Status:         domain.FindingMissing,
			Confidence:     0.95,
			Summary:        "card numbers are written without encryption",
			Recommendation: "encrypt card numbers before persisting them",
		}, nil
	}
	return &llm.Assessment{Status: domain.FindingImplemented, Confidence: 0.9, Summary: "requirement satisfied"}, nil
}

func (scriptedReasoner) RefineConstraint(_ context.Context, _ domain.RuleChunk, base domain.RuleConstraint) (*domain.RuleConstraint, error) {
	return &base, nil
}

// recordingSink issues sequential ticket ids and remembers every request
type recordingSink struct {
	mu       sync.Mutex
	requests []sink.TicketRequest
}

func (s *recordingSink) CreateTicket(_ context.Context, req sink.TicketRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return fmt.Sprintf("E2E-%d", len(s.requests)), nil
}

func (s *recordingSink) Requests() []sink.TicketRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.TicketRequest(nil), s.requests...)
}

// Env is a running engine backed by a Postgres container
type Env struct {
	T       *testing.T
	Ctx     context.Context
	Pool    *pgxpool.Pool
	Server  *httptest.Server
	Index   *repository.VectorIndex
	Indexer *jobs.IndexingProcessor
	Sink    *recordingSink
	Client  *http.Client
}

// SetupEnv wires the API, the case queue and the indexing processor
func SetupEnv(t *testing.T) *Env {
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")
	t.Cleanup(pool.Close)
	require.NoError(t, jobs.Migrate(ctx, pool))

	chunks := repository.NewChunkRepository(pool)
	index := repository.NewVectorIndex(pool)
	repos := repository.NewCodeRepositoryRepository(pool)
	cases := repository.NewCaseRepository(pool)

	ingestSvc := ingest.NewService(chunks, chunker.New(chunker.DefaultConfig(), nil))
	source, err := registry.NewYAMLSource([]byte(regulationsYAML))
	require.NoError(t, err)
	reg := registry.New(repository.NewRegulationRepository(pool), source, ingestSvc)

	gateway := embedder.NewGateway(keywordProvider{dims: 64}, repository.NewEmbeddingCacheRepository(pool), embedder.DefaultConfig())
	indexer := jobs.NewIndexingProcessor(chunks, gateway, index, 0)

	var reasoner scriptedReasoner
	p, err := pipeline.New(
		pipeline.NewPlanning(reg, index, matcher.New(index, chunks), reasoner, pipeline.PlanningConfig{TopK: 5, Threshold: 0.95}),
		pipeline.NewNavigating(),
		pipeline.NewInvestigating(chunks, reasoner, pipeline.DefaultInvestigatingConfig()),
		pipeline.NewJudging(),
		pipeline.NewRemediating(),
	)
	require.NoError(t, err)

	queue, err := jobs.NewQueue(pool, jobs.QueueConfig{Workers: 2, SnoozeInterval: time.Second})
	require.NoError(t, err)

	ticketSink := &recordingSink{}
	cfg := orchestrator.DefaultConfig()
	cfg.RetryInterval = 100 * time.Millisecond
	orch := orchestrator.NewService(cases, p, ticketSink, cfg, orchestrator.WithDispatcher(queue))
	queue.SetRunner(orch)
	require.NoError(t, queue.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = queue.Stop(stopCtx)
	})

	intakeSvc := intake.NewService(repository.NewInboundEventRepository(pool), repos, orch, queue)
	router := server.NewRouter(server.RouterConfig{
		CaseHandler:   handlers.NewCaseHandler(orch, nil),
		EventHandler:  handlers.NewEventHandler(intakeSvc, webhookSecret),
		SourceHandler: handlers.NewSourceHandler(ingestSvc, reg, repos),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &Env{
		T:       t,
		Ctx:     ctx,
		Pool:    pool,
		Server:  srv,
		Index:   index,
		Indexer: indexer,
		Sink:    ticketSink,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Do sends a request and returns the status and the data (or error) envelope
func (e *Env) Do(method, path string, body any, headers map[string]string) (int, json.RawMessage) {
	e.T.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(e.T, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(e.Ctx, method, e.Server.URL+path, reader)
	require.NoError(e.T, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.Client.Do(req)
	require.NoError(e.T, err)
	defer resp.Body.Close()

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.T, err)
	require.NoError(e.T, json.Unmarshal(raw, &envelope), string(raw))
	if envelope.Error != "" {
		return resp.StatusCode, json.RawMessage(raw)
	}
	return resp.StatusCode, envelope.Data
}

// DrainIndex embeds pending chunks until both partitions are ready
func (e *Env) DrainIndex(repoID string, regulationIDs []string) {
	e.T.Helper()
	scopes := []vectorindex.Scope{
		{Corpus: domain.CorpusCode, OwnerIDs: []string{repoID}},
		{Corpus: domain.CorpusRegulation, OwnerIDs: regulationIDs},
	}
	require.Eventually(e.T, func() bool {
		if err := e.Indexer.ProcessJobs(e.Ctx); err != nil {
			return false
		}
		for _, s := range scopes {
			r, err := e.Index.Readiness(e.Ctx, s)
			if err != nil || !r.Complete() || r.Ready == 0 {
				return false
			}
		}
		return true
	}, 30*time.Second, 200*time.Millisecond)
}

// caseView is the part of a case response the scenarios read
type caseView struct {
	ID             string                `json:"id"`
	Status         domain.CaseStatus     `json:"status"`
	StepsCompleted []domain.Stage        `json:"steps_completed"`
	Progress       int                   `json:"progress"`
	ApprovalItems  []domain.ApprovalItem `json:"approval_items"`
	UserDecision   domain.Decision       `json:"user_decision"`
	Version        int64                 `json:"version"`
}

// GetCase fetches the case over the API
func (e *Env) GetCase(caseID string) (int, caseView) {
	e.T.Helper()
	var c caseView
	code, data := e.Do(http.MethodGet, "/cases/"+caseID, nil, nil)
	if code == http.StatusOK {
		require.NoError(e.T, json.Unmarshal(data, &c))
	}
	return code, c
}

// WaitForStatus polls the case until it reaches status
func (e *Env) WaitForStatus(caseID string, status domain.CaseStatus) caseView {
	e.T.Helper()
	var last caseView
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		code, c := e.GetCase(caseID)
		if code == http.StatusOK {
			last = c
			if c.Status == status {
				return c
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	e.T.Fatalf("case %s never reached %s, last status %s", caseID, status, last.Status)
	return last
}
