package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/austindbirch/harborbot/internal/faults"
	"github.com/austindbirch/harborbot/internal/platform"
	"github.com/austindbirch/harborbot/internal/task"
)

// DefaultCIAPIURL is the CircleCI v2 API root
const DefaultCIAPIURL = "https://circleci.com/api/v2"

// TriggerCI starts a pipeline for the pull request's head branch
type TriggerCI struct {
	http    *http.Client
	baseURL string
}

func NewTriggerCI(hc *http.Client, baseURL string) *TriggerCI {
	if hc == nil {
		hc = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultCIAPIURL
	}
	return &TriggerCI{http: hc, baseURL: strings.TrimRight(baseURL, "/")}
}

func (h *TriggerCI) Scope() Scope { return ScopeCI }

type pipelineRequest struct {
	Branch     string         `json:"branch,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (h *TriggerCI) Execute(ctx context.Context, env task.Envelope, cred Credential) error {
	if env.Repository.Owner == "" || env.Repository.Name == "" {
		return faults.Permanentf("trigger-ci: missing repository")
	}
	if err := requireToken(env, cred); err != nil {
		return err
	}

	reqBody := pipelineRequest{Branch: env.HeadRef}
	if env.Number > 0 {
		reqBody.Parameters = map[string]any{"pr_number": env.Number}
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return faults.Permanent(fmt.Errorf("encode pipeline request: %w", err))
	}

	endpoint := fmt.Sprintf("%s/project/gh/%s/%s/pipeline", h.baseURL,
		url.PathEscape(env.Repository.Owner), url.PathEscape(env.Repository.Name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return faults.Permanent(fmt.Errorf("build pipeline request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Circle-Token", cred.Token)

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("trigger pipeline: %w", faults.Transient(err))
	}
	defer resp.Body.Close()
	// Drain body for connection reuse
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("ci api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("trigger pipeline: %w: %w", faults.ErrAuthFailure, statusErr)
	}
	return fmt.Errorf("trigger pipeline: %w", platform.ClassifyStatus(resp.StatusCode, statusErr))
}
