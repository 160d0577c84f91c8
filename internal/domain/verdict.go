package domain

import (
	"fmt"
	"time"
)

// Classification is the compliance judgement of a verdict
type Classification string

const (
	ClassificationCompliant    Classification = "compliant"
	ClassificationNonCompliant Classification = "non_compliant"
	ClassificationPartial      Classification = "partial"
	ClassificationUnknown      Classification = "unknown"
)

// Severity ranks how serious a verdict is
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Score returns the numeric rank of the severity. Unknown values rank as none.
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Score() > a.Score() {
		return b
	}
	return a
}

// ReviewStatus is the reviewer's disposition of a verdict
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
	ReviewStatusIgnored  ReviewStatus = "ignored"
)

// Verdict is the judged outcome for one code region.
// Only the review fields change after creation.
type Verdict struct {
	ID             string         `json:"id"`
	CaseID         string         `json:"case_id"`
	CodeChunkID    string         `json:"code_chunk_id"`
	RuleChunkID    string         `json:"rule_chunk_id"`
	RuleChunkIDs   []string       `json:"rule_chunk_ids"`
	RegulationIDs  []string       `json:"regulation_ids"`
	File           string         `json:"file"`
	StartLine      int            `json:"start_line"`
	EndLine        int            `json:"end_line"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	Score          int            `json:"score"`
	Explanation    string         `json:"explanation"`
	Remediation    string         `json:"remediation,omitempty"`
	ReviewStatus   ReviewStatus   `json:"review_status"`
	ReviewerNote   string         `json:"reviewer_note,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ValidateVerdict validates a Verdict instance
func ValidateVerdict(v *Verdict) error {
	if v == nil {
		return fmt.Errorf("verdict cannot be nil")
	}

	if v.ID == "" {
		return fmt.Errorf("verdict ID is required")
	}

	if v.CaseID == "" {
		return fmt.Errorf("verdict CaseID is required")
	}

	if v.CodeChunkID == "" || v.RuleChunkID == "" {
		return fmt.Errorf("verdict must reference a code chunk and a rule chunk")
	}

	if !isValidClassification(v.Classification) {
		return fmt.Errorf("verdict Classification is invalid: %s", v.Classification)
	}

	if !isValidSeverity(v.Severity) {
		return fmt.Errorf("verdict Severity is invalid: %s", v.Severity)
	}

	if !IsValidReviewStatus(v.ReviewStatus) {
		return fmt.Errorf("verdict ReviewStatus is invalid: %s", v.ReviewStatus)
	}

	return nil
}

func isValidClassification(c Classification) bool {
	switch c {
	case ClassificationCompliant, ClassificationNonCompliant, ClassificationPartial, ClassificationUnknown:
		return true
	}
	return false
}

func isValidSeverity(s Severity) bool {
	switch s {
	case SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IsValidReviewStatus checks if a ReviewStatus is valid
func IsValidReviewStatus(s ReviewStatus) bool {
	switch s {
	case ReviewStatusPending, ReviewStatusApproved, ReviewStatusRejected, ReviewStatusIgnored:
		return true
	}
	return false
}
