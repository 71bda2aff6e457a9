// Package netutil provides small HTTP I/O helpers for the identity
// resolver's calls to the external authority.
//
// Response reads are bounded at MaxResponseSize to prevent a
// misbehaving authority from exhausting process memory.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response body reads. Legitimate
// authority responses (verify) are a few hundred bytes;
// this exists solely as a backstop.
const MaxResponseSize int64 = 16 << 20

// DecodeResponse reads body up to MaxResponseSize bytes and JSON
// decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body for diagnostics. Read
// errors are ignored — a partial body is still useful in a log line.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
