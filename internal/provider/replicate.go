// Package provider is the HTTP client for the external training service
// (Replicate's trainings API).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/dreamphoto/trainer/internal/config"
	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/metrics"
)

const maxErrorBody = 4 << 10

// Training is the provider's view of one training job.
type Training struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output *TrainingOutput `json:"output"`
	Error  any             `json:"error"`
}

type TrainingOutput struct {
	Weights string `json:"weights"`
	Version string `json:"version"`
}

// ResultURL is the location of the trained weights, empty until success.
func (t *Training) ResultURL() string {
	if t.Output == nil {
		return ""
	}
	if t.Output.Weights != "" {
		return t.Output.Weights
	}
	return t.Output.Version
}

// ErrorMessage flattens the provider's error field for logging.
func (t *Training) ErrorMessage() string {
	switch v := t.Error.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

type DispatchRequest struct {
	ArchiveURL  string
	ModelName   string
	TriggerWord string
}

type Client struct {
	baseURL        string
	token          string
	owner          string
	trainerOwner   string
	trainerModel   string
	trainerVersion string
	hyper          config.Hyperparameters

	http    *http.Client
	limiter *rate.Limiter
	backoff func() retry.Backoff
	log     *slog.Logger
}

func NewClient(cfg config.ProviderConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	maxRetries := cfg.MaxRetries
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.APIToken,
		owner:          cfg.Owner,
		trainerOwner:   cfg.TrainerOwner,
		trainerModel:   cfg.TrainerModel,
		trainerVersion: cfg.TrainerVersion,
		hyper:          cfg.Hyperparams,
		http:           &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(limit, burst),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(maxRetries, retry.WithJitterPercent(10, retry.NewExponential(base)))
		},
		log: log,
	}
}

var slugSanitize = regexp.MustCompile(`[^a-z0-9-]+`)

// Destination is the "{owner}/{slug}" model the weights are pushed to.
func (c *Client) Destination(modelName string) string {
	s := strings.ToLower(strings.TrimSpace(modelName))
	s = strings.ReplaceAll(s, " ", "-")
	s = slugSanitize.ReplaceAllString(s, "")
	if s == "" {
		s = "model"
	}
	return c.owner + "/" + s
}

type trainingInput struct {
	config.Hyperparameters
	InputImages string `json:"input_images"`
	TriggerWord string `json:"trigger_word"`
}

// Dispatch submits a training job. Creating a training is not idempotent, so
// only a 429 or a connection that was never established is retried; a 5xx or
// a lost response may already have created the job and is returned at once.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (*Training, error) {
	body, err := json.Marshal(map[string]any{
		"destination": c.Destination(req.ModelName),
		"input": trainingInput{
			Hyperparameters: c.hyper,
			InputImages:     req.ArchiveURL,
			TriggerWord:     req.TriggerWord,
		},
	})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/models/%s/%s/versions/%s/trainings", c.baseURL,
		url.PathEscape(c.trainerOwner), url.PathEscape(c.trainerModel), url.PathEscape(c.trainerVersion))

	var t Training
	if err := c.do(ctx, "dispatch", http.MethodPost, endpoint, body, &t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, errs.Upstream("dispatch", errors.New("provider returned no training id"))
	}
	c.log.Info("training dispatched", "job_id", t.ID, "destination", c.Destination(req.ModelName))
	return &t, nil
}

// GetStatus fetches the current state of a training job.
func (c *Client) GetStatus(ctx context.Context, jobID string) (*Training, error) {
	endpoint := c.baseURL + "/v1/trainings/" + url.PathEscape(jobID)
	var t Training
	if err := c.do(ctx, "get_status", http.MethodGet, endpoint, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel asks the provider to stop a job. Cancelling a finished job is not
// an error on the provider side.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	endpoint := c.baseURL + "/v1/trainings/" + url.PathEscape(jobID) + "/cancel"
	var t Training
	return c.do(ctx, "cancel", http.MethodPost, endpoint, nil, &t)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UpstreamRequestDuration.WithLabelValues(op))

	idempotent := op != "dispatch"
	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Warn("provider request failed", "op", op, "attempt", attempt, "error", err)
			if idempotent || neverSent(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
			if resp.StatusCode == http.StatusTooManyRequests || (idempotent && resp.StatusCode >= 500) {
				c.log.Warn("provider request failed", "op", op, "attempt", attempt, "status", resp.StatusCode)
				return retry.RetryableError(serr)
			}
			return serr
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(op).Inc()
		var serr *statusError
		if op == "get_status" && errors.As(err, &serr) && serr.code == http.StatusNotFound {
			return errs.NotFound("training job", endpoint[strings.LastIndex(endpoint, "/")+1:])
		}
		return errs.Upstream(op, err)
	}
	return nil
}

// neverSent reports whether the request failed while connecting, before any
// bytes could reach the provider.
func neverSent(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
