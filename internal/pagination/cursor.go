package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Cursor represents a decoded pagination cursor over a sequence-ordered log
type Cursor struct {
	AfterSeq  int64
	Timestamp time.Time
}

// PageResult represents a paginated result set
type PageResult[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

var (
	ErrInvalidCursor = errors.New("invalid cursor format")
)

// NormalizeLimit applies the default and the upper bound to a requested page size
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// EncodeCursor creates a base64-encoded cursor from the last sequence number and timestamp
func EncodeCursor(lastSeq int64, timestamp time.Time) string {
	if lastSeq <= 0 {
		return ""
	}
	raw := strconv.FormatInt(lastSeq, 10) + "|" + timestamp.UTC().Format(time.RFC3339Nano)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes a cursor. An empty cursor starts from the beginning.
func DecodeCursor(cursor string) (*Cursor, error) {
	if cursor == "" {
		return &Cursor{}, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidCursor
	}

	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || seq <= 0 {
		return nil, ErrInvalidCursor
	}

	timestamp, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return nil, ErrInvalidCursor
	}

	return &Cursor{
		AfterSeq:  seq,
		Timestamp: timestamp,
	}, nil
}

// NewPage builds a page from items fetched with limit+1 rows so HasMore
// needs no extra count query.
func NewPage[T any](items []T, limit int, getSeq func(T) int64, getTimestamp func(T) time.Time) PageResult[T] {
	page := PageResult[T]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.Cursor = EncodeCursor(getSeq(last), getTimestamp(last))
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}
