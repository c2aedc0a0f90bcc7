package paging

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/checksum"
)

// Key is the position of the last row handed out: the sort value plus the id
// tie-breaker. Timestamps use Num (unix nanos), titles use Str.
type Key struct {
	Num int64  `json:"n,omitempty"`
	Str string `json:"s,omitempty"`
	ID  string `json:"id"`
}

// Cursor is the decoded form of the opaque token returned with every page.
type Cursor struct {
	Query       Query  `json:"q"`
	Fingerprint string `json:"f"`
	Last        *Key   `json:"k,omitempty"`
}

// Fingerprint identifies a normalized query under a schema version. Cursors
// minted before a migration therefore stop validating after it.
func Fingerprint(q Query, schemaVersion int) string {
	raw, _ := json.Marshal(q)
	raw = append(raw, '|')
	raw = strconv.AppendInt(raw, int64(schemaVersion), 10)
	return checksum.Sum(raw)
}

// Encode serializes c into its opaque string form.
func Encode(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses s and checks its fingerprint against schemaVersion.
func Decode(s string, schemaVersion int) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("paging: decode cursor: %w", apperr.ErrInvalidCursor)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("paging: parse cursor: %w", apperr.ErrInvalidCursor)
	}
	norm, err := c.Query.Normalize()
	if err != nil {
		return Cursor{}, fmt.Errorf("paging: cursor query: %w", apperr.ErrInvalidCursor)
	}
	if c.Fingerprint != Fingerprint(norm, schemaVersion) {
		return Cursor{}, fmt.Errorf("paging: cursor fingerprint mismatch: %w", apperr.ErrInvalidCursor)
	}
	c.Query = norm
	return c, nil
}
