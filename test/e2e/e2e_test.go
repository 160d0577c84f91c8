//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/intake"
)

const cardGo = `package store

import "database/sql"

// SaveCard writes card numbers and customer records to disk in plaintext form.
func SaveCard(db *sql.DB, number string) error {
	_, err := db.Exec("INSERT INTO cards (number) VALUES ($1)", number)
	return err
}
`

const sessionGo = `package auth

import "time"

// Administrator sessions expire after fifteen minutes of inactivity.
const sessionTimeout = 15 * time.Minute

// SignOut invalidates the session token when the administrator signs out.
func SignOut(s *Session) {
	s.Token = ""
	s.ExpiresAt = time.Now()
}
`

func TestE2E_WebhookScanApprovalTickets(t *testing.T) {
	env := SetupEnv(t)

	code, _ := env.Do(http.MethodPost, "/repositories", map[string]any{
		"id":             "repo-1",
		"full_name":      "acme/payments",
		"default_branch": "main",
		"regulation_ids": []string{"acme-sec"},
	}, nil)
	require.Equal(t, http.StatusCreated, code)

	code, data := env.Do(http.MethodPost, "/regulations/acme-sec/ensure", nil, nil)
	require.Equal(t, http.StatusOK, code, string(data))
	var reg struct {
		ActiveVersionID string `json:"active_version_id"`
	}
	require.NoError(t, json.Unmarshal(data, &reg))
	assert.NotEmpty(t, reg.ActiveVersionID)

	for file, text := range map[string]string{"store/card.go": cardGo, "auth/session.go": sessionGo} {
		code, data := env.Do(http.MethodPost, "/sources", map[string]any{
			"corpus": "code", "corpus_id": "repo-1", "source_id": file, "text": text,
		}, nil)
		require.Equal(t, http.StatusCreated, code, string(data))
	}

	// re-ingesting identical text is a no-op
	code, data = env.Do(http.MethodPost, "/sources", map[string]any{
		"corpus": "code", "corpus_id": "repo-1", "source_id": "store/card.go", "text": cardGo,
	}, nil)
	require.Equal(t, http.StatusOK, code)
	var unchanged struct {
		Unchanged bool `json:"unchanged"`
		Created   int  `json:"created"`
	}
	require.NoError(t, json.Unmarshal(data, &unchanged))
	assert.True(t, unchanged.Unchanged)
	assert.Zero(t, unchanged.Created)

	env.DrainIndex("repo-1", []string{"acme-sec"})

	body := []byte(`{"ref":"refs/heads/main","repository":{"full_name":"acme/payments","default_branch":"main"}}`)
	headers := map[string]string{
		intake.HeaderGitHubDelivery:  "delivery-1",
		intake.HeaderGitHubEvent:     intake.GitHubEventPush,
		intake.HeaderGitHubSignature: intake.Sign([]byte(webhookSecret), body),
	}
	code, data = env.Do(http.MethodPost, "/webhooks/github", body, headers)
	require.Equal(t, http.StatusAccepted, code, string(data))
	var receipt intake.Result
	require.NoError(t, json.Unmarshal(data, &receipt))
	require.NotEmpty(t, receipt.CaseID)
	assert.NotZero(t, receipt.JobID)

	// a redelivery neither creates a case nor enqueues a job
	code, data = env.Do(http.MethodPost, "/webhooks/github", body, headers)
	require.Equal(t, http.StatusOK, code)
	var dup intake.Result
	require.NoError(t, json.Unmarshal(data, &dup))
	assert.Equal(t, intake.OutcomeDuplicate, dup.Outcome)
	assert.Equal(t, receipt.CaseID, dup.CaseID)

	c := env.WaitForStatus(receipt.CaseID, domain.CaseStatusWaitingApproval)
	assert.Equal(t, domain.StageOrder, c.StepsCompleted)
	assert.Equal(t, 100, c.Progress)
	require.Len(t, c.ApprovalItems, 1)
	assert.Equal(t, "store/card.go", c.ApprovalItems[0].File)
	assert.Empty(t, env.Sink.Requests(), "no ticket before approval")

	code, data = env.Do(http.MethodGet, "/cases/"+c.ID+"/verdicts", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var verdicts []domain.Verdict
	require.NoError(t, json.Unmarshal(data, &verdicts))
	byFile := map[string]domain.Classification{}
	for _, v := range verdicts {
		byFile[v.File] = v.Classification
	}
	assert.Equal(t, domain.ClassificationNonCompliant, byFile["store/card.go"])
	assert.NotEqual(t, domain.ClassificationNonCompliant, byFile["auth/session.go"])

	// a stale version is rejected without touching the case
	code, _ = env.Do(http.MethodPost, "/cases/"+c.ID+"/approval", map[string]any{
		"decision": "approved", "expected_version": c.Version - 1,
	}, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, data = env.Do(http.MethodPost, "/cases/"+c.ID+"/approval", map[string]any{
		"decision": "approved", "expected_version": c.Version,
	}, nil)
	require.Equal(t, http.StatusOK, code, string(data))

	_, done := env.GetCase(c.ID)
	assert.Equal(t, domain.CaseStatusCompleted, done.Status)
	assert.Equal(t, domain.DecisionApproved, done.UserDecision)
	require.Len(t, done.ApprovalItems, 1)
	assert.Equal(t, "E2E-1", done.ApprovalItems[0].TicketID)
	require.Len(t, env.Sink.Requests(), 1)
	assert.Equal(t, "store/card.go", env.Sink.Requests()[0].File)

	code, _ = env.Do(http.MethodPost, "/cases/"+c.ID+"/approval", map[string]any{"decision": "declined"}, nil)
	assert.Equal(t, http.StatusConflict, code, "a decided case cannot be decided again")

	code, data = env.Do(http.MethodGet, "/cases/"+c.ID+"/events?limit=100", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Items []domain.CaseEvent `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &page))
	require.NotEmpty(t, page.Items)
	for i := 1; i < len(page.Items); i++ {
		assert.Greater(t, page.Items[i].Seq, page.Items[i-1].Seq)
	}
}

func TestE2E_ManualTriggerCompliantRepo(t *testing.T) {
	env := SetupEnv(t)

	code, _ := env.Do(http.MethodPost, "/repositories", map[string]any{
		"id": "repo-2", "full_name": "acme/ledger", "regulation_ids": []string{"acme-sec"},
	}, nil)
	require.Equal(t, http.StatusCreated, code)

	code, data := env.Do(http.MethodPost, "/sources", map[string]any{
		"corpus": "code", "corpus_id": "repo-2", "source_id": "auth/session.go", "text": sessionGo,
	}, nil)
	require.Equal(t, http.StatusCreated, code, string(data))

	code, data = env.Do(http.MethodPost, "/regulations/acme-sec/ensure", nil, nil)
	require.Equal(t, http.StatusOK, code, string(data))
	env.DrainIndex("repo-2", []string{"acme-sec"})

	code, _ = env.Do(http.MethodPost, "/events", map[string]any{"repo_id": "repo-2"}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "manual events need an idempotency key")

	code, data = env.Do(http.MethodPost, "/events", map[string]any{"repo_id": "repo-2"},
		map[string]string{handlers.IdempotencyKeyHeader: "manual-1"})
	require.Equal(t, http.StatusAccepted, code, string(data))
	var receipt intake.Result
	require.NoError(t, json.Unmarshal(data, &receipt))
	require.NotEmpty(t, receipt.CaseID)

	c := env.WaitForStatus(receipt.CaseID, domain.CaseStatusCompleted)
	assert.Empty(t, c.ApprovalItems, "compliant code drafts no remediation")
	assert.Empty(t, env.Sink.Requests())

	code, _ = env.Do(http.MethodPost, "/cases/"+c.ID+"/resume", nil, nil)
	assert.Equal(t, http.StatusConflict, code, "a completed case is not resumable")

	code, _ = env.Do(http.MethodGet, "/cases/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
