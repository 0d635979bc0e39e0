package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type fakeDB struct {
	err error
}

func (f *fakeDB) Ping(context.Context) error { return f.err }

type fakeSessions map[string]string

func (f fakeSessions) States() map[string]string { return f }

func TestHealthz(t *testing.T) {
	s := NewServer(":0", nil, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzOK(t *testing.T) {
	sessions := fakeSessions{"192.0.2.2": "established"}
	s := NewServer(":0", &fakeDB{}, sessions, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.handleReadyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Status string `json:"status"`
		Checks struct {
			Archive  string            `json:"archive"`
			Sessions map[string]string `json:"sessions"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Status != "ready" {
		t.Fatalf("expected ready, got %s", payload.Status)
	}
	if payload.Checks.Sessions["192.0.2.2"] != "established" {
		t.Fatalf("expected session state in payload, got %+v", payload.Checks)
	}
}

func TestReadyzArchiveDown(t *testing.T) {
	s := NewServer(":0", &fakeDB{err: errors.New("down")}, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.handleReadyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadyzNoArchiveConfigured(t *testing.T) {
	s := NewServer(":0", nil, fakeSessions{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.handleReadyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without an archive, got %d", rec.Code)
	}
}
