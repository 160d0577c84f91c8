//go:build integration

package storage

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/report"
	"github.com/cloo-solutions/regaudit/internal/testutil"
)

func newMinIOClient(ctx context.Context, t *testing.T) *S3Client {
	mc := testutil.NewMinIOContainer(ctx, t)
	t.Cleanup(func() { _ = mc.Terminate(context.Background()) })

	client, err := NewS3Client(ctx, S3ClientConfig{
		Endpoint:        mc.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     mc.AccessKey,
		SecretAccessKey: mc.SecretKey,
		Bucket:          "regaudit-reports",
		UsePathStyle:    true,
		LinkExpiry:      5 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(ctx))
	// a second call finds the bucket
	require.NoError(t, client.EnsureBucket(ctx))
	return client
}

func TestS3Client_PutExistsPresign(t *testing.T) {
	ctx := context.Background()
	client := newMinIOClient(ctx, t)

	exists, err := client.ObjectExists(ctx, "reports/repo-1/missing.json")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, client.PutObject(ctx, "reports/repo-1/case-1.json", "application/json", []byte(`{"case_id":"case-1"}`)))
	exists, err = client.ObjectExists(ctx, "reports/repo-1/case-1.json")
	require.NoError(t, err)
	assert.True(t, exists)

	url, err := client.GenerateDownloadURL(ctx, "reports/repo-1/case-1.json")
	require.NoError(t, err)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"case_id":"case-1"}`, string(body))
}

func TestS3Client_ArchivesCaseReports(t *testing.T) {
	ctx := context.Background()
	client := newMinIOClient(ctx, t)
	archiver := report.NewArchiver(client, "reports")

	done := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	c := &domain.AuditCase{
		ID:            "case-9",
		RepoID:        "repo-9",
		RegulationIDs: []string{"gdpr"},
		Status:        domain.CaseStatusCompleted,
		CreatedAt:     done.Add(-time.Hour),
		CompletedAt:   &done,
	}

	_, err := archiver.DownloadURL(ctx, c)
	assert.ErrorIs(t, err, domain.ErrReportNotArchived)

	require.NoError(t, archiver.ArchiveCase(ctx, c, nil))
	url, err := archiver.DownloadURL(ctx, c)
	require.NoError(t, err)
	assert.Contains(t, url, "reports/repo-9/case-9.json")
}
