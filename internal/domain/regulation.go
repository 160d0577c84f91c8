package domain

import (
	"fmt"
	"time"
)

// Regulation is a regulatory document tracked by the registry
type Regulation struct {
	ID              string
	Title           string
	IssuingBody     string
	ActiveVersionID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RegulationVersion is an immutable published revision of a regulation.
// Versions form a forward-only chain through SupersededBy.
type RegulationVersion struct {
	ID            string
	RegulationID  string
	VersionNumber int64
	ContentHash   string
	IsActive      bool
	SupersededBy  string
	PublishedAt   time.Time
}

// RegulationDocument is the raw text and metadata of a regulation as loaded from a source
type RegulationDocument struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	IssuingBody string `yaml:"issuing_body" json:"issuing_body"`
	Text        string `yaml:"text" json:"text"`
}

// NewRegulation creates a new Regulation instance
func NewRegulation(id, title, issuingBody string, createdAt time.Time) *Regulation {
	return &Regulation{
		ID:          id,
		Title:       title,
		IssuingBody: issuingBody,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// NewRegulationVersion creates a new active RegulationVersion instance
func NewRegulationVersion(id, regulationID string, versionNumber int64, contentHash string, publishedAt time.Time) *RegulationVersion {
	return &RegulationVersion{
		ID:            id,
		RegulationID:  regulationID,
		VersionNumber: versionNumber,
		ContentHash:   contentHash,
		IsActive:      true,
		PublishedAt:   publishedAt,
	}
}

// ValidateRegulation validates a Regulation instance
func ValidateRegulation(r *Regulation) error {
	if r == nil {
		return fmt.Errorf("regulation cannot be nil")
	}

	if r.ID == "" {
		return fmt.Errorf("regulation ID is required")
	}

	if r.Title == "" {
		return fmt.Errorf("regulation Title is required")
	}

	return nil
}

// ValidateRegulationVersion validates a RegulationVersion instance
func ValidateRegulationVersion(v *RegulationVersion) error {
	if v == nil {
		return fmt.Errorf("regulation version cannot be nil")
	}

	if v.ID == "" {
		return fmt.Errorf("regulation version ID is required")
	}

	if v.RegulationID == "" {
		return fmt.Errorf("regulation version RegulationID is required")
	}

	if v.VersionNumber <= 0 {
		return fmt.Errorf("regulation version VersionNumber must be greater than 0")
	}

	if v.IsActive && v.SupersededBy != "" {
		return fmt.Errorf("active regulation version cannot have SupersededBy")
	}

	if v.SupersededBy == v.ID {
		return fmt.Errorf("regulation version cannot supersede itself")
	}

	return nil
}

// ValidateRegulationDocument validates a RegulationDocument instance
func ValidateRegulationDocument(d *RegulationDocument) error {
	if d == nil {
		return fmt.Errorf("regulation document cannot be nil")
	}

	if d.ID == "" {
		return fmt.Errorf("regulation document ID is required")
	}

	if d.Title == "" {
		return fmt.Errorf("regulation document Title is required")
	}

	if d.Text == "" {
		return fmt.Errorf("regulation document Text is required")
	}

	return nil
}

// WalkSupersededChain follows SupersededBy links forward from start and returns
// the versions visited in order. next resolves a version by id. A cycle is an error.
func WalkSupersededChain(start *RegulationVersion, next func(id string) (*RegulationVersion, error)) ([]*RegulationVersion, error) {
	var chain []*RegulationVersion
	visited := make(map[string]bool)

	for v := start; v != nil; {
		if visited[v.ID] {
			return chain, fmt.Errorf("superseded_by chain loops at version %s", v.ID)
		}
		visited[v.ID] = true
		chain = append(chain, v)

		if v.SupersededBy == "" {
			break
		}
		nv, err := next(v.SupersededBy)
		if err != nil {
			return chain, err
		}
		if nv.VersionNumber <= v.VersionNumber {
			return chain, fmt.Errorf("superseded_by chain moves backwards at version %s", v.ID)
		}
		v = nv
	}

	return chain, nil
}
