// Package explain asks a language model for a report-ready description of a
// predicted tumor class.
package explain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/menta2k/tumor-classifier/pkg/client"
	"github.com/menta2k/tumor-classifier/pkg/types"
)

// DefaultModel is the medical model the explanation is requested from
const DefaultModel = "alibayram/medgemma"

// PromptTemplate is filled with the predicted label
const PromptTemplate = `The MRI classifier detected: %s.

Task:
1. Explain what this condition is in medical terms.
2. Highlight possible abnormalities linked to it.
3. Suggest treatments or next medical steps.
4. Make it suitable for inclusion in a medical report.`

// Config holds configuration for explanation requests
type Config struct {
	Enabled         bool
	Model           string
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
}

// DefaultConfig returns the default explanation configuration
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Model:           DefaultModel,
		Timeout:         60 * time.Second,
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
	}
}

// Explainer generates explanations through a text client
type Explainer struct {
	client client.TextClient
	config Config
	logger *zap.SugaredLogger
}

// NewExplainer creates an explainer. A nil client disables it.
func NewExplainer(c client.TextClient, config Config) *Explainer {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = DefaultConfig().InitialInterval
	}
	if c == nil {
		config.Enabled = false
	}
	return &Explainer{
		client: c,
		config: config,
		logger: zap.NewNop().Sugar(),
	}
}

// Disabled returns an explainer that always yields an empty analysis
func Disabled() *Explainer {
	return NewExplainer(nil, Config{})
}

// WithLogger sets the logger retries are reported to
func (e *Explainer) WithLogger(logger *zap.SugaredLogger) *Explainer {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Enabled reports whether Explain will call the language model
func (e *Explainer) Enabled() bool {
	return e != nil && e.config.Enabled && e.client != nil
}

// Model returns the model name requests are sent to
func (e *Explainer) Model() string {
	return e.config.Model
}

// Prompt builds the explanation prompt for a label
func Prompt(label string) string {
	return fmt.Sprintf(PromptTemplate, label)
}

// Explain returns a description of label. Transient failures are retried
// until the configured timeout; the final failure is an ExternalServiceError.
func (e *Explainer) Explain(ctx context.Context, label string) (string, error) {
	if !e.Enabled() {
		return "", nil
	}
	if strings.TrimSpace(label) == "" {
		return "", &types.ExternalServiceError{Service: e.config.Model, Err: errors.New("empty label")}
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	prompt := Prompt(label)
	operation := func() (string, error) {
		text, err := e.client.Generate(ctx, e.config.Model, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", errors.New("empty explanation")
		}
		return text, nil
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.config.InitialInterval),
		backoff.WithMaxElapsedTime(e.config.Timeout),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(policy, e.config.MaxRetries), ctx)

	text, err := backoff.RetryNotifyWithData(operation, b, func(err error, next time.Duration) {
		e.logger.Warnw("explanation request failed, retrying", "model", e.config.Model, "label", label, "retry_in", next, "error", err)
	})
	if err != nil {
		return "", &types.ExternalServiceError{Service: e.config.Model, Err: err}
	}
	return text, nil
}
