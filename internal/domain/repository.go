package domain

import (
	"fmt"
	"time"
)

// Repository is a source repository registered for compliance scans
type Repository struct {
	ID                   string
	FullName             string
	DefaultBranch        string
	DefaultRegulationIDs []string
	CreatedAt            time.Time
}

// NewRepository creates a new Repository instance
func NewRepository(id, fullName, defaultBranch string, regulationIDs []string, createdAt time.Time) *Repository {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Repository{
		ID:                   id,
		FullName:             fullName,
		DefaultBranch:        defaultBranch,
		DefaultRegulationIDs: regulationIDs,
		CreatedAt:            createdAt,
	}
}

// ValidateRepository validates a Repository instance
func ValidateRepository(r *Repository) error {
	if r == nil {
		return fmt.Errorf("repository cannot be nil")
	}

	if r.ID == "" {
		return fmt.Errorf("repository ID is required")
	}

	if r.FullName == "" {
		return fmt.Errorf("repository FullName is required")
	}

	return nil
}
