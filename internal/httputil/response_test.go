package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{func(w http.ResponseWriter) { MethodNotAllowed(w) }, http.StatusMethodNotAllowed, "method not allowed"},
		{func(w http.ResponseWriter) { BadRequest(w, "bad pose") }, http.StatusBadRequest, "bad pose"},
		{func(w http.ResponseWriter) { NotFound(w, "no session") }, http.StatusNotFound, "no session"},
		{func(w http.ResponseWriter) { InternalServerError(w, "db down") }, http.StatusInternalServerError, "db down"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		tt.write(rec)
		if rec.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.msg, rec.Code, tt.status)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: content-type = %q", tt.msg, ct)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp["error"] != tt.msg {
			t.Errorf("error = %q, want %q", resp["error"], tt.msg)
		}
	}
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONOK(rec, struct {
		X float64 `json:"x"`
	}{1.5})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"x":1.5}` {
		t.Errorf("body = %s", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type body struct {
		X float64 `json:"x"`
	}
	tests := []struct {
		name    string
		in      string
		limit   int64
		want    float64
		wantErr bool
		wantEOF bool
	}{
		{name: "ok", in: `{"x": 2}`, limit: 64, want: 2},
		{name: "empty", in: ``, limit: 64, wantErr: true, wantEOF: true},
		{name: "unknown field", in: `{"z": 1}`, limit: 64, wantErr: true},
		{name: "trailing", in: `{"x": 1} {"x": 2}`, limit: 64, wantErr: true},
		{name: "too large", in: `{"x": 1.00000000000000000000}`, limit: 8, wantErr: true},
		{name: "malformed", in: `{"x":`, limit: 64, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.in))
			var b body
			err := DecodeJSON(req, &b, tt.limit)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, io.EOF) != tt.wantEOF {
				t.Errorf("err = %v, wantEOF %v", err, tt.wantEOF)
			}
			if err == nil && b.X != tt.want {
				t.Errorf("x = %v, want %v", b.X, tt.want)
			}
		})
	}
}
