// Package client is the replica side of the sync core: a local store that
// applies mutators speculatively and reconciles with the server, plus a
// realtime document client.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/mutator"
)

// ErrRejectedRequest marks a submission the server refused outright, such
// as an invalid or revoked session. Retrying it cannot succeed.
var ErrRejectedRequest = errors.New("request rejected")

// Transport carries submissions to the authoritative engine.
type Transport interface {
	Mutate(ctx context.Context, sub mutator.Submission) (mutator.Outcome, error)
}

// EngineTransport submits in-process under a resolved context.
type EngineTransport struct {
	Engine  *mutator.Engine
	Context authz.Context
}

func (t EngineTransport) Mutate(ctx context.Context, sub mutator.Submission) (mutator.Outcome, error) {
	outcome, err := t.Engine.Submit(ctx, t.Context, sub)
	if errors.Is(err, authz.ErrAuthenticationFailed) || errors.Is(err, mutator.ErrSpeculativeContext) || errors.Is(err, mutator.ErrInvalidSubmission) {
		return mutator.Outcome{}, fmt.Errorf("%w: %v", ErrRejectedRequest, err)
	}
	return outcome, err
}

// HTTPTransport posts submissions to /api/mutate.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (t *HTTPTransport) Mutate(ctx context.Context, sub mutator.Submission) (mutator.Outcome, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return mutator.Outcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/mutate", bytes.NewReader(body))
	if err != nil {
		return mutator.Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.Token)

	resp, err := t.Client.Do(req)
	if err != nil {
		return mutator.Outcome{}, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return mutator.Outcome{}, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(payload, &apiErr)
		err := fmt.Errorf("mutate %s: status %d %s: %s", sub.Name, resp.StatusCode, apiErr.Code, apiErr.Error)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return mutator.Outcome{}, fmt.Errorf("%w: %v", ErrRejectedRequest, err)
		}
		return mutator.Outcome{}, err
	}
	var outcome mutator.Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return mutator.Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return outcome, nil
}
