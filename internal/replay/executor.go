// Package replay re-issues the original request captured at solicitation
// creation once the solicitation is approved.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// Provenance headers injected into every replayed request. Apart from these
// the replayed call is indistinguishable from a direct one.
const (
	HeaderRequestID   = "X-Approval-Request-Id"
	HeaderExecuted    = "X-Approval-Executed"
	HeaderExecutionID = "X-Approval-Execution-Id"
)

// ExecutionResult reports the outcome of one replay attempt.
type ExecutionResult struct {
	Success      bool           `json:"success"`
	ExecutionID  string         `json:"execution_id"`
	StatusCode   int            `json:"status_code,omitempty"`
	ResponseData map[string]any `json:"response_data,omitempty"`
	Details      string         `json:"details,omitempty"`
}

// Config controls the executor.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// ExtraReservedKeys extends the built-in metadata scrub set.
	ExtraReservedKeys []string
}

// Executor performs the deferred side effect. Replay is at-most-once: a
// failed attempt is reported, never retried, because the target action may
// not be idempotent.
type Executor struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, log zerolog.Logger) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Replay reconstructs and re-issues the solicitation's original request,
// forwarding bearerToken as the caller credential. A non-2xx upstream
// response or transport failure yields an EXECUTION_FAILURE error together
// with the populated result; the approval itself is never unwound here.
func (e *Executor) Replay(ctx context.Context, s *repository.Solicitation, bearerToken string) (*ExecutionResult, error) {
	result := &ExecutionResult{ExecutionID: uuid.NewString()}

	target, err := e.resolveURL(s.OriginalRequest.URL, s.OriginalRequest.Params)
	if err != nil {
		result.Details = "invalid original URL"
		return result, errors.Wrap(err, errors.ErrCodeExecutionFailure, "failed to resolve replay URL")
	}

	var bodyReader io.Reader
	if s.OriginalRequest.Body != nil {
		clean := Scrub(s.OriginalRequest.Body, e.cfg.ExtraReservedKeys)
		data, err := json.Marshal(clean)
		if err != nil {
			result.Details = "body serialization failed"
			return result, errors.Wrap(err, errors.ErrCodeExecutionFailure, "failed to marshal replay body")
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, s.OriginalRequest.Method, target, bodyReader)
	if err != nil {
		result.Details = "request construction failed"
		return result, errors.Wrap(err, errors.ErrCodeExecutionFailure, "failed to build replay request")
	}

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	req.Header.Set(HeaderRequestID, s.ID)
	req.Header.Set(HeaderExecuted, "true")
	req.Header.Set(HeaderExecutionID, result.ExecutionID)

	e.log.Info().
		Str("solicitation_id", s.ID).
		Str("method", s.OriginalRequest.Method).
		Str("url", target).
		Msg("replaying deferred action")

	resp, err := e.client.Do(req)
	if err != nil {
		result.Details = err.Error()
		return result, errors.Wrap(err, errors.ErrCodeExecutionFailure, "replay request failed")
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(respBody) > 0 {
		var data map[string]any
		if json.Unmarshal(respBody, &data) == nil {
			result.ResponseData = data
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Details = strings.TrimSpace(string(respBody))
		return result, errors.Newf(errors.ErrCodeExecutionFailure,
			"upstream returned status %d", resp.StatusCode)
	}

	result.Success = true
	return result, nil
}

// resolveURL makes the captured URL absolute against the configured base and
// merges captured query params.
func (e *Executor) resolveURL(raw string, params map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		base, err := url.Parse(e.cfg.BaseURL)
		if err != nil {
			return "", err
		}
		u = base.ResolveReference(u)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
