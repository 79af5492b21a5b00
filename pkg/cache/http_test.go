package cache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
)

func TestResponseToEntry(t *testing.T) {
	tests := []struct {
		name    string
		resp    *http.Response
		wantErr bool
	}{
		{
			name: "json response",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Content-Type":   []string{"application/json"},
					"Content-Length": []string{"16"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`{"test": "data"}`))),
			},
			wantErr: false,
		},
		{
			name: "response without body",
			resp: &http.Response{
				StatusCode: 204,
				Header:     http.Header{},
			},
			wantErr: false,
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ResponseToEntry(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResponseToEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if entry.StatusCode != tt.resp.StatusCode {
				t.Errorf("StatusCode = %d, want %d", entry.StatusCode, tt.resp.StatusCode)
			}
			if entry.Headers.Get("Content-Length") != "" {
				t.Error("Content-Length should not be stored")
			}
			if entry.CachedAt.IsZero() {
				t.Error("CachedAt should be set")
			}

			// Body must still be readable by the caller
			body, err := io.ReadAll(tt.resp.Body)
			if err != nil {
				t.Fatalf("read restored body: %v", err)
			}
			if !bytes.Equal(body, entry.Data) {
				t.Errorf("restored body = %q, want %q", body, entry.Data)
			}
		})
	}
}

func TestEntryToResponse(t *testing.T) {
	entry := &Entry{
		StatusCode: 201,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Data:       []byte(`{"id": 1}`),
	}

	resp := EntryToResponse(entry)
	if resp.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.ContentLength != int64(len(entry.Data)) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(entry.Data))
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"id": 1}` {
		t.Errorf("body = %q", body)
	}

	// Mutating the response must not touch the entry
	resp.Header.Set("Content-Type", "text/plain")
	if entry.Headers.Get("Content-Type") != "application/json" {
		t.Error("EntryToResponse shares headers with entry")
	}

	if EntryToResponse(nil) != nil {
		t.Error("EntryToResponse(nil) should return nil")
	}
}
