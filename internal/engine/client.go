// Package engine is the client for the external risk-analysis engine. The
// engine is a black box: a structured file list goes in, a risk assessment
// comes out. Calls are time-bounded and retried within a small budget so a
// slow or failing engine can never stall the pipeline.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"flowlens/internal/model"
)

// maxPatchExcerpt bounds the per-file diff text sent to the engine.
const maxPatchExcerpt = 2000

// FileAnalysis is one changed file as presented to the engine.
type FileAnalysis struct {
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
	PatchExcerpt string `json:"patch_excerpt"`
}

// Assessment is the engine's verdict for one change request.
type Assessment struct {
	RiskLevel      model.RiskLevel `json:"risk_level"`
	Summary        string          `json:"summary"`
	Recommendation string          `json:"recommendation"`
}

type analyzeRequest struct {
	Files []FileAnalysis `json:"files"`
}

// Client calls the analysis engine over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries uint64
	logger     *slog.Logger
}

// NewClient creates a Client. timeout bounds each whole Analyze call
// including retries; maxRetries is the number of re-attempts after the
// first failure.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, logger *slog.Logger) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		timeout:    timeout,
		maxRetries: uint64(maxRetries),
		logger:     logger,
	}
}

// DescribeFiles builds the engine's input from stored file changes,
// truncating each patch to a bounded excerpt.
func DescribeFiles(files []model.FileChange) []FileAnalysis {
	out := make([]FileAnalysis, len(files))
	for i, f := range files {
		excerpt := f.Patch
		if len(excerpt) > maxPatchExcerpt {
			excerpt = excerpt[:maxPatchExcerpt]
		}
		out[i] = FileAnalysis{
			Filename:     f.Filename,
			Status:       f.Status,
			Additions:    f.Additions,
			Deletions:    f.Deletions,
			PatchExcerpt: excerpt,
		}
	}
	return out
}

// Analyze submits the file list and returns the engine's assessment.
// Server-side errors are retried with exponential backoff until the budget
// is exhausted; client-side errors (4xx) are not retried.
func (c *Client) Analyze(ctx context.Context, files []FileAnalysis) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(analyzeRequest{Files: files})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	var assessment Assessment
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("Analysis engine request failed", "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("analysis engine rejected request: %s", resp.Status))
		}
		if resp.StatusCode != http.StatusOK {
			c.logger.Warn("Analysis engine returned server error", "attempt", attempt, "status", resp.Status)
			return fmt.Errorf("analysis engine error: %s", resp.Status)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &assessment); err != nil {
			return backoff.Permanent(fmt.Errorf("decode assessment: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	switch assessment.RiskLevel {
	case model.RiskLow, model.RiskMedium, model.RiskHigh:
	default:
		return nil, fmt.Errorf("assessment carries unknown risk level %q", assessment.RiskLevel)
	}
	return &assessment, nil
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	return bo
}
