package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRepository(t *testing.T) {
	now := time.Now()
	repo := NewRepository("repo1", "acme/payments", "", []string{"gdpr"}, now)

	assert.Equal(t, "repo1", repo.ID)
	assert.Equal(t, "acme/payments", repo.FullName)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, []string{"gdpr"}, repo.DefaultRegulationIDs)
	assert.Equal(t, now, repo.CreatedAt)
}

func TestValidateRepository(t *testing.T) {
	tests := []struct {
		name    string
		repo    *Repository
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid repository",
			repo:    &Repository{ID: "repo1", FullName: "acme/payments"},
			wantErr: false,
		},
		{
			name:    "missing ID",
			repo:    &Repository{FullName: "acme/payments"},
			wantErr: true,
			errMsg:  "ID",
		},
		{
			name:    "missing FullName",
			repo:    &Repository{ID: "repo1"},
			wantErr: true,
			errMsg:  "FullName",
		},
		{
			name:    "nil repository",
			repo:    nil,
			wantErr: true,
			errMsg:  "nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepository(tt.repo)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
