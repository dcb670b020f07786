// Package pagination provides the opaque cursor tokens used by listing
// endpoints. Tokens are base64 encoded JSON so clients treat them as opaque
// strings while the repositories keep typed cursor fields.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPageToken is returned when a supplied page token cannot be decoded.
var ErrInvalidPageToken = errors.New("pagination: invalid page token")

// Cursor marks the last item of the previous page for createdAt ordered listings.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// IsZero reports whether the cursor carries no position.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// EncodeToken serialises the cursor into a base64 URL-safe page token. A zero
// cursor encodes to the empty string.
func EncodeToken(cursor Cursor) string {
	if cursor.IsZero() {
		return ""
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses a page token produced by EncodeToken. Empty input yields
// a zero cursor without error.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.IsZero() {
		return Cursor{}, fmt.Errorf("%w: empty cursor", ErrInvalidPageToken)
	}
	if cursor.ID == "" || cursor.CreatedAt.IsZero() {
		return Cursor{}, fmt.Errorf("%w: incomplete cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}
