package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EngineClient talks to the translation engine over HTTP. A 422 response
// carries a terminal outcome category; anything else non-2xx is treated as
// transient so the task queue redelivers.
type EngineClient struct {
	baseURL string
	client  *http.Client
}

func NewEngineClient(baseURL string) *EngineClient {
	return &EngineClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type engineFailure struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (c *EngineClient) Process(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/translate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return Result{}, err
		}
		return result, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var failure engineFailure
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Category == "" {
			return Result{}, &Error{Category: CategoryProcessingFailed, Message: "engine rejected job"}
		}
		return Result{}, &Error{Category: failure.Category, Message: failure.Message}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Result{}, fmt.Errorf("engine returned %d: %s", resp.StatusCode, snippet)
	}
}
