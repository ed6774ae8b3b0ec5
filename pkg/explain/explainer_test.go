package explain

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/menta2k/tumor-classifier/pkg/types"
)

type fakeClient struct {
	replies []string
	errs    []error
	calls   atomic.Int32
	prompt  string
	model   string
}

func (f *fakeClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	i := int(f.calls.Add(1)) - 1
	f.model, f.prompt = model, prompt
	var reply string
	var err error
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return reply, err
}

// blockingClient never answers before the context ends
type blockingClient struct{}

func (blockingClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.InitialInterval = time.Millisecond
	return cfg
}

func TestPrompt(t *testing.T) {
	p := Prompt("glioma_tumor")
	if !strings.HasPrefix(p, "The MRI classifier detected: glioma_tumor.") {
		t.Errorf("Prompt should lead with the prediction: %q", p)
	}
	for _, want := range []string{"medical terms", "abnormalities", "treatments", "medical report"} {
		if !strings.Contains(p, want) {
			t.Errorf("Prompt should mention %q", want)
		}
	}
}

func TestExplain(t *testing.T) {
	fc := &fakeClient{replies: []string{"  Gliomas are glial cell tumors.\n"}}
	e := NewExplainer(fc, fastConfig())

	text, err := e.Explain(context.Background(), "glioma_tumor")
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if text != "Gliomas are glial cell tumors." {
		t.Errorf("Unexpected text %q", text)
	}
	if fc.model != DefaultModel {
		t.Errorf("Expected model %s, got %s", DefaultModel, fc.model)
	}
	if fc.prompt != Prompt("glioma_tumor") {
		t.Errorf("Unexpected prompt %q", fc.prompt)
	}
}

func TestExplainRetries(t *testing.T) {
	fc := &fakeClient{
		replies: []string{"", "", "Meningiomas arise from the meninges."},
		errs:    []error{errors.New("connection refused"), nil, nil},
	}
	e := NewExplainer(fc, fastConfig())

	text, err := e.Explain(context.Background(), "meningioma_tumor")
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if text != "Meningiomas arise from the meninges." {
		t.Errorf("Unexpected text %q", text)
	}
	if n := fc.calls.Load(); n != 3 {
		t.Errorf("Expected 3 calls, got %d", n)
	}
}

func TestExplainGivesUp(t *testing.T) {
	fail := errors.New("502 bad gateway")
	fc := &fakeClient{errs: []error{fail, fail, fail, fail, fail}}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	e := NewExplainer(fc, cfg)

	_, err := e.Explain(context.Background(), "no_tumor")
	var ext *types.ExternalServiceError
	if !errors.As(err, &ext) {
		t.Fatalf("Expected ExternalServiceError, got %v", err)
	}
	if !errors.Is(err, fail) {
		t.Errorf("Cause should be preserved: %v", err)
	}
	if n := fc.calls.Load(); n != 3 {
		t.Errorf("Expected 1 call plus 2 retries, got %d", n)
	}
}

func TestExplainTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 50 * time.Millisecond
	e := NewExplainer(blockingClient{}, cfg)

	start := time.Now()
	_, err := e.Explain(context.Background(), "pituitary_tumor")
	elapsed := time.Since(start)

	var ext *types.ExternalServiceError
	if !errors.As(err, &ext) {
		t.Fatalf("Expected ExternalServiceError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Explain took %v past a 50ms timeout", elapsed)
	}
}

func TestExplainDisabled(t *testing.T) {
	for name, e := range map[string]*Explainer{
		"disabled":   Disabled(),
		"nil client": NewExplainer(nil, DefaultConfig()),
		"config off": NewExplainer(&fakeClient{}, Config{Enabled: false}),
	} {
		if e.Enabled() {
			t.Errorf("%s: should not be enabled", name)
		}
		text, err := e.Explain(context.Background(), "glioma_tumor")
		if text != "" || err != nil {
			t.Errorf("%s: expected empty result, got %q, %v", name, text, err)
		}
	}
}

func TestExplainEmptyLabel(t *testing.T) {
	fc := &fakeClient{}
	_, err := NewExplainer(fc, fastConfig()).Explain(context.Background(), " ")
	var ext *types.ExternalServiceError
	if !errors.As(err, &ext) {
		t.Errorf("Expected ExternalServiceError, got %v", err)
	}
	if fc.calls.Load() != 0 {
		t.Error("Client should not be called for an empty label")
	}
}
