package router

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/Sternrassler/offline-worker/pkg/cache"
)

// offlineBody is the JSON body of the synthesized 503 response.
const offlineBody = `{"error":"Offline"}`

// networkErrorBody is the plaintext body of the synthesized 408 response.
const networkErrorBody = "Network error happened"

func entryResponse(entry *cache.Entry, outcome string) *http.Response {
	resp := cache.EntryToResponse(entry)
	resp.Header.Set(HeaderOutcome, outcome)
	return resp
}

func offlineResponse() *http.Response {
	return syntheticResponse(http.StatusServiceUnavailable, "application/json", offlineBody, OutcomeOffline)
}

func networkErrorResponse() *http.Response {
	return syntheticResponse(http.StatusRequestTimeout, "text/plain; charset=utf-8", networkErrorBody, OutcomeError)
}

func syntheticResponse(status int, contentType, body, outcome string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set(HeaderOutcome, outcome)

	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
	}
}
