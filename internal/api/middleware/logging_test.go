package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// captureLog routes the default slog output into a buffer for the duration
// of a test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestRequestLogger_Fields(t *testing.T) {
	buf := captureLog(t)

	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/api/v1/health" {
		t.Errorf("path = %v, want /api/v1/health", entry["path"])
	}
	// JSON numbers decode as float64.
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(2) {
		t.Errorf("bytes = %v, want 2", entry["bytes"])
	}
	if _, ok := entry["elapsed_ms"]; !ok {
		t.Error("expected elapsed_ms in log output")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO for a 200", entry["level"])
	}
}

func TestRequestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}

	for _, tt := range tests {
		buf := captureLog(t)

		handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/gateways", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		entry := lastLogEntry(t, buf)
		if entry["status"] != float64(tt.status) {
			t.Errorf("status %d: logged status = %v", tt.status, entry["status"])
		}
		if entry["level"] != tt.wantLevel {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.wantLevel)
		}
	}
}

func TestStatusWriter_FirstHeaderWins(t *testing.T) {
	buf := captureLog(t)

	handler := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError) // ignored
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["status"] != float64(201) {
		t.Errorf("logged status = %v, want first status 201", entry["status"])
	}
}

func TestStatusWriter_DefaultStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	w := newStatusWriter(rr)

	if w.status != http.StatusOK {
		t.Errorf("default status = %d, want 200", w.status)
	}

	w.WriteHeader(http.StatusBadRequest)
	if w.status != http.StatusBadRequest {
		t.Errorf("captured status = %d, want 400", w.status)
	}
}
