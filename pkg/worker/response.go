package worker

import (
	"io"
	"net/http"
	"strings"

	"github.com/Sternrassler/offline-worker/pkg/router"
)

// hopHeaders are not forwarded from a mediated response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
}

// writeResponse copies a mediated response to rw.
func writeResponse(rw http.ResponseWriter, resp *http.Response) {
	h := rw.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	ensureExposedHeader(h, router.HeaderOutcome)

	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
}

func setOutcomeHeader(h http.Header, outcome string) {
	h.Set(router.HeaderOutcome, outcome)
	ensureExposedHeader(h, router.HeaderOutcome)
}

// ensureExposedHeader lets page scripts read name in a CORS context.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
