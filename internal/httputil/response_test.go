package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"seq": 3})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["seq"] != 3 {
		t.Errorf("body = %v", got)
	}
}

func TestWriteJSONError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusConflict, "no revolution yet")

	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusConflict || got["error"] != "no revolution yet" {
		t.Errorf("got %d %v", rec.Code, got)
	}
}

func TestAllowMethods(t *testing.T) {
	rec := httptest.NewRecorder()
	if !AllowMethods(rec, httptest.NewRequest(http.MethodPost, "/", nil), http.MethodGet, http.MethodPost) {
		t.Error("POST should be allowed")
	}

	rec = httptest.NewRecorder()
	if AllowMethods(rec, httptest.NewRequest(http.MethodDelete, "/", nil), http.MethodGet, http.MethodPost) {
		t.Error("DELETE should be rejected")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q", got)
	}
}
