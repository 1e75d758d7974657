// Package query implements the live query registry (spec.md §4.5):
// registered subscriptions, incremental per-op re-evaluation, the
// mapName->clientID subscriber index, and the opaque pagination cursor.
// No teacher equivalent exists; the cursor stays on plain
// encoding/base64 + encoding/json, matching the teacher's
// plain-JSON-over-the-wire convention rather than reaching for a new
// serialization library for a contract this small.
package query

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CursorStatus reports validation outcome, per spec.md §4.5.
type CursorStatus string

const (
	CursorOK      CursorStatus = ""
	CursorExpired CursorStatus = "expired"
	CursorInvalid CursorStatus = "invalid"
)

// CursorMaxAge is the default expiry window named in spec.md §4.5.
const CursorMaxAge = 24 * time.Hour

// Cursor is the opaque pagination token (spec.md §4.5):
// {lastKey, lastSortValue, predicateHash, timestampMs}.
type Cursor struct {
	LastKey       string `json:"lastKey"`
	LastSortValue string `json:"lastSortValue"`
	PredicateHash string `json:"predicateHash"`
	TimestampMs   int64  `json:"timestampMs"`
}

// PredicateHash derives the stable hash a Cursor is validated against,
// so a cursor minted for one predicate can't silently paginate another.
func PredicateHash(predicate string) string {
	sum := sha256.Sum256([]byte(predicate))
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// Encode serializes c to the opaque base64 wire form.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor parses the opaque wire form back into a Cursor. Encode
// then DecodeCursor then Encode is the identity (spec.md §8's
// round-trip law).
func DecodeCursor(s string) (Cursor, error) {
	var c Cursor
	if s == "" {
		return c, errors.New("query: empty cursor")
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("query: decode cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("query: unmarshal cursor: %w", err)
	}
	return c, nil
}

// Validate checks a decoded cursor against the predicate it's being
// reused against and the current time, returning the status spec.md
// §4.5 requires callers to surface in QUERY_RESP.
func (c Cursor) Validate(predicate string, now time.Time, maxAge time.Duration) CursorStatus {
	if maxAge <= 0 {
		maxAge = CursorMaxAge
	}
	if c.PredicateHash != PredicateHash(predicate) {
		return CursorInvalid
	}
	age := now.Sub(time.UnixMilli(c.TimestampMs))
	if age > maxAge {
		return CursorExpired
	}
	return CursorOK
}
