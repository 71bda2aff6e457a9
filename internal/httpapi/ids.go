package httpapi

import (
	"time"

	"github.com/google/uuid"
)

// newRequestID returns a fresh opaque identifier for an upload row,
// matching the store's own convention of UUIDv4 strings for every
// on-disk identifier.
func newRequestID() string { return uuid.NewString() }

// clockNowMillis feeds the on-disk "timestamp-uuid-name" upload naming
// scheme of §4.4. It intentionally does not go through the injected
// Clock: the value only needs to be unique per upload, not
// deterministic for a test, and the store already stamps CreatedAt
// through its own clock for anything that is asserted on in a test.
func (s *Server) clockNowMillis() int64 { return time.Now().UnixMilli() }
