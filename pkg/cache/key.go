package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey is the normalized identity of a cacheable request.
type RequestKey struct {
	// Method is the HTTP method (e.g., "GET")
	Method string

	// URL is the absolute request URL, query included
	URL string
}

// KeyFromRequest builds the cache key for an HTTP request.
func KeyFromRequest(r *http.Request) RequestKey {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: r.URL.String()}
}

// String generates a deterministic cache key string.
// Format: METHOD scheme://host/path?query
//
// Example:
//
//	GET https://app.example.com/api/data?page=2
//
// The method is upper-cased, scheme and host are lower-cased and the fragment
// is dropped. The query is kept verbatim.
func (k RequestKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + normalizeURL(k.URL)
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Host != "" && u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
