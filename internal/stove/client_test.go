package stove

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsOnVocabulary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want bool
	}{
		{"WORK", true},
		{"working", true},
		{"Modulating", true},
		{"modulation", true},
		{"START", true},
		{"starting", true},
		{"off", false},
		{"cooling", false},
		{"standby", false},
		{"", false},
		{"garbage-state", false},
	}
	for _, tt := range tests {
		if got := IsOn(tt.raw); got != tt.want {
			t.Errorf("IsOn(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"WORK","error_code":0}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	st, err := c.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Text != "WORK" || !IsOn(st.Text) {
		t.Fatalf("status = %+v", st)
	}
}

func TestGetStatusUpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.GetStatus(context.Background()); err == nil {
		t.Fatal("expected error on 502")
	}
}
