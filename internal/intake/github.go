package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/cloo-solutions/regaudit/internal/domain"
)

// GitHub webhook headers
const (
	HeaderGitHubDelivery  = "X-GitHub-Delivery"
	HeaderGitHubEvent     = "X-GitHub-Event"
	HeaderGitHubSignature = "X-Hub-Signature-256"
)

// GitHub event types that can trigger a scan
const (
	GitHubEventPush        = "push"
	GitHubEventPullRequest = "pull_request"
)

var (
	// ErrMissingSignature is returned when the signature header is absent or malformed
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match the body
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC-SHA256 of body.
func VerifySignature(secret, body []byte, header string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value of body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// GitHubDelivery reads the delivery id and event type headers
func GitHubDelivery(h http.Header) (deliveryID, eventType string) {
	return h.Get(HeaderGitHubDelivery), h.Get(HeaderGitHubEvent)
}

// GitHubRepository is the repository object of a webhook payload
type GitHubRepository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

// GitHubEvent is the subset of push and pull_request payloads intake reads
type GitHubEvent struct {
	Type       string           `json:"-"`
	Ref        string           `json:"ref"`
	Action     string           `json:"action"`
	Deleted    bool             `json:"deleted"`
	Repository GitHubRepository `json:"repository"`
}

// ParseGitHubEvent decodes a webhook body. Unsupported event types return nil.
func ParseGitHubEvent(eventType string, body []byte) (*GitHubEvent, error) {
	if eventType != GitHubEventPush && eventType != GitHubEventPullRequest {
		return nil, nil
	}
	var ev GitHubEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodePermanentInput, "malformed github payload", err)
	}
	if ev.Repository.FullName == "" {
		return nil, domain.NewDomainError(domain.ErrCodePermanentInput, "github payload has no repository")
	}
	ev.Type = eventType
	return &ev, nil
}

// Branch returns the pushed branch name
func (e *GitHubEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// SkipReason reports why the event starts no scan before the repository is looked up
func (e *GitHubEvent) SkipReason() string {
	switch e.Type {
	case GitHubEventPush:
		if e.Deleted || !strings.HasPrefix(e.Ref, "refs/heads/") {
			return SkipUnsupportedAction
		}
	case GitHubEventPullRequest:
		switch e.Action {
		case "opened", "synchronize", "reopened":
		default:
			return SkipUnsupportedAction
		}
	}
	return ""
}
