package intake

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cr3t")
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{name: "valid", header: Sign(secret, body)},
		{name: "missing", header: "", wantErr: ErrMissingSignature},
		{name: "sha1 prefix", header: "sha1=abcdef", wantErr: ErrMissingSignature},
		{name: "not hex", header: "sha256=zz", wantErr: ErrInvalidSignature},
		{name: "other secret", header: Sign([]byte("other"), body), wantErr: ErrInvalidSignature},
		{name: "tampered body", header: Sign(secret, []byte(`{"ref":"refs/heads/dev"}`)), wantErr: ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, body, tt.header)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGitHubDelivery(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderGitHubDelivery, "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	h.Set(HeaderGitHubEvent, "push")

	id, typ := GitHubDelivery(h)
	assert.Equal(t, "72d3162e-cc78-11e3-81ab-4c9367dc0958", id)
	assert.Equal(t, "push", typ)
}

func TestParseGitHubEvent(t *testing.T) {
	ev, err := ParseGitHubEvent(GitHubEventPush, []byte(`{"ref":"refs/heads/release/2.0","repository":{"full_name":"acme/payments"}}`))
	require.NoError(t, err)
	assert.Equal(t, "release/2.0", ev.Branch())
	assert.Empty(t, ev.SkipReason())

	deleted, err := ParseGitHubEvent(GitHubEventPush, []byte(`{"ref":"refs/heads/old","deleted":true,"repository":{"full_name":"acme/payments"}}`))
	require.NoError(t, err)
	assert.Equal(t, SkipUnsupportedAction, deleted.SkipReason())

	none, err := ParseGitHubEvent("ping", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseGitHubEvent(GitHubEventPullRequest, []byte(`{"action":"opened"}`))
	assert.Error(t, err)
}
