package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coderspae/arena/internal/arena"
)

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantLogged bool
	}{
		{
			name:       "not found",
			err:        arena.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   codeNotFound,
		},
		{
			name:       "busy",
			err:        fmt.Errorf("challenging bob: %w", arena.ErrBusy),
			wantStatus: http.StatusConflict,
			wantCode:   codeBusy,
		},
		{
			name:       "persistence",
			err:        fmt.Errorf("saving offer: %w: disk I/O error", arena.ErrPersistence),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   codePersistence,
			wantLogged: true,
		},
		{
			name:       "internal",
			err:        errors.New("nil pointer in resolver"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   codeInternal,
			wantLogged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logs, nil))

			req := httptest.NewRequest(http.MethodPost, "/api/challenges", nil)
			rec := httptest.NewRecorder()
			writeDomainError(rec, req, logger, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}

			if !tt.wantLogged {
				if logs.Len() != 0 {
					t.Errorf("unexpected log: %s", logs.String())
				}
				return
			}
			var entry map[string]any
			if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
				t.Fatalf("decode log %q: %v", logs.String(), err)
			}
			if entry["level"] != "ERROR" || entry["path"] != "/api/challenges" || entry["code"] != tt.wantCode {
				t.Errorf("log entry = %v", entry)
			}
			if msg, _ := entry["error"].(string); !strings.Contains(msg, tt.err.Error()) {
				t.Errorf("logged error = %q, want %q", msg, tt.err)
			}
			if strings.Contains(body.Error, tt.err.Error()) {
				t.Errorf("response leaks %q", body.Error)
			}
		})
	}
}
