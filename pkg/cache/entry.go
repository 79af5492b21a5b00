package cache

import (
	"net/http"
	"time"
)

// Entry represents a cached response snapshot.
type Entry struct {
	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Data is the response body
	Data []byte `json:"data"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`

	// Expires is when the entry stops being served. Zero means never.
	Expires time.Time `json:"expires,omitempty"`
}

// IsExpired returns true if the entry carries an expiry that has passed.
func (e *Entry) IsExpired() bool {
	if e.Expires.IsZero() {
		return false
	}
	return time.Now().After(e.Expires)
}

// Clone returns a deep copy so stored snapshots never alias caller memory.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Headers = e.Headers.Clone()
	if e.Data != nil {
		out.Data = append([]byte(nil), e.Data...)
	}
	return &out
}

// Record pairs a key with an entry for batch writes.
type Record struct {
	Key   RequestKey
	Entry *Entry
}
