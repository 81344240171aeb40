package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const turnStatusTrailer = "X-Turn-Status"

type errorResponse struct {
	Error string `json:"error"`
}

type session struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	PhaseName string `json:"phase_name,omitempty"`
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) testConnection() bool {
	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close() // Ignore error in defer
	}()
	return resp.StatusCode == http.StatusOK
}

func (c *apiClient) createSession() (*session, error) {
	resp, err := c.http.Post(c.baseURL+"/v1/sessions", "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var s session
	if err := decode(resp, http.StatusCreated, &s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &s, nil
}

func (c *apiClient) getPhase(sessionID string) (*session, error) {
	resp, err := c.http.Get(fmt.Sprintf("%s/v1/sessions/%s/phase", c.baseURL, sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var s session
	if err := decode(resp, http.StatusOK, &s); err != nil {
		return nil, fmt.Errorf("failed to get phase: %w", err)
	}
	return &s, nil
}

func decode(resp *http.Response, want int, v any) error {
	defer func() {
		_ = resp.Body.Close() // Ignore error in defer
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return apiError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}

func apiError(status int, body []byte) error {
	var errorResp errorResponse
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("API returned status %d: %s", status, string(body))
	}
	return errors.New(errorResp.Error)
}

// turnEvent is one piece of a streamed turn: a fragment, or the final
// status once the body ends.
type turnEvent struct {
	fragment string
	done     bool
	status   string
	err      error
}

// streamTurn posts a turn and delivers fragments on the returned channel
// as they arrive. The last event has done set.
func (c *apiClient) streamTurn(ctx context.Context, sessionID, message string) (<-chan turnEvent, error) {
	payload, err := json.Marshal(map[string]string{"session_id": sessionID, "message": message})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close() // Ignore error in defer
		}()
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, body)
	}

	events := make(chan turnEvent)
	go func() {
		defer close(events)
		defer func() {
			_ = resp.Body.Close() // Ignore error in defer
		}()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				events <- turnEvent{fragment: string(buf[:n])}
			}
			if errors.Is(err, io.EOF) {
				events <- turnEvent{done: true, status: resp.Trailer.Get(turnStatusTrailer)}
				return
			}
			if err != nil {
				events <- turnEvent{done: true, err: err}
				return
			}
		}
	}()
	return events, nil
}
