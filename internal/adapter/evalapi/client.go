// Package evalapi calls the external scoring service that ranks completed
// candidate implementations.
package evalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	portevaluator "github.com/alanyang/agent-forge/internal/port/evaluator"
)

var _ portevaluator.Evaluator = (*Client)(nil)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// Evaluation reads every candidate diff; give it room.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

type evaluateRequest struct {
	TaskDescription string                    `json:"task_description"`
	Candidates      []portevaluator.Candidate `json:"candidates"`
}

type evaluateResponse struct {
	WinnerRunID uuid.UUID `json:"winner_run_id"`
	Reason      string    `json:"reason"`
}

func (c *Client) PickWinner(ctx context.Context, taskDescription string, candidates []portevaluator.Candidate) (uuid.UUID, error) {
	body, err := json.Marshal(evaluateRequest{TaskDescription: taskDescription, Candidates: candidates})
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling evaluation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, fmt.Errorf("building evaluation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("calling evaluator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return uuid.Nil, fmt.Errorf("evaluator returned %d: %s", resp.StatusCode, msg)
	}

	var out evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, fmt.Errorf("decoding evaluation response: %w", err)
	}
	if out.WinnerRunID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("evaluator returned no winner")
	}
	return out.WinnerRunID, nil
}
