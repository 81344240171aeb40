//go:build integration

// Package integration drives a running API with a real generation engine.
// Run with: go test -tags integration ./integration/
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
}

func baseURL() string {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newClient() *http.Client {
	timeout := 120
	if v, err := strconv.Atoi(os.Getenv("TEST_TIMEOUT_SECONDS")); err == nil && v > 0 {
		timeout = v
	}
	return &http.Client{Timeout: time.Duration(timeout) * time.Second}
}

func TestMain(m *testing.M) {
	fmt.Printf("Running Phase Engine Integration Tests\n")
	fmt.Printf("   API Base URL: %s\n", baseURL())

	resp, err := http.Get(baseURL() + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "API is not healthy at %s: %v\n", baseURL(), err)
		os.Exit(1)
	}
	_ = resp.Body.Close()
	os.Exit(m.Run())
}

func createSession(t *testing.T, client *http.Client) sessionResponse {
	t.Helper()
	resp, err := client.Post(baseURL()+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var s sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	return s
}

func postTurn(t *testing.T, client *http.Client, sessionID, message string) (string, string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID, "message": message})
	resp, err := client.Post(baseURL()+"/v1/turns", "application/json", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("failed to post turn: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}
	return string(text), resp.Trailer.Get("X-Turn-Status")
}

func TestSessionLifecycle(t *testing.T) {
	client := newClient()
	s := createSession(t, client)
	t.Logf("session %s starts in %s", s.SessionID, s.Phase)

	steps := []string{
		"My name is Aria. I am a half-elf ranger with a longbow.",
		"That's everything. Let's begin the adventure.",
		"I look around.",
	}
	for i, msg := range steps {
		text, status := postTurn(t, client, s.SessionID, msg)
		if status == "error" {
			t.Fatalf("step %d: turn failed", i+1)
		}
		if strings.TrimSpace(text) == "" {
			t.Errorf("step %d: empty narration", i+1)
		}
		t.Logf("step %d (%s): %s", i+1, status, text)
	}

	resp, err := client.Get(fmt.Sprintf("%s/v1/sessions/%s/phase", baseURL(), s.SessionID))
	if err != nil {
		t.Fatalf("failed to get phase: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var current sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
		t.Fatalf("failed to decode phase: %v", err)
	}
	t.Logf("session ended in %s", current.Phase)
}

func TestRejectsUnknownSession(t *testing.T) {
	client := newClient()
	payload := `{"session_id":"00000000-0000-0000-0000-000000000000","message":"hello"}`
	resp, err := client.Post(baseURL()+"/v1/turns", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to post turn: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
