// Package tumorclassifier classifies brain MRI scans into four tumor classes
// and renders the result as JSON or a PDF report.
//
// Basic usage:
//
//	package main
//
//	import (
//		"fmt"
//		"log"
//
//		tumorclassifier "github.com/menta2k/tumor-classifier"
//	)
//
//	func main() {
//		tc, err := tumorclassifier.New()
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer tc.Close()
//
//		p, err := tc.ClassifyFile("scan.png")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%s (%.1f%%)\n", p.Label, p.Confidence*100)
//	}
//
// The package wires together:
//
// 1. Preprocess (pkg/preprocess): decoding, resizing to 224x224 and normalization
// 2. Model (pkg/model, pkg/onnx): the convolutional classifier
// 3. Explain (pkg/explain): optional language model explanation
// 4. Report (pkg/report): JSON payloads and PDF reports
//
// All components are built once from a config.Config and are safe for
// concurrent use.
package tumorclassifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/menta2k/tumor-classifier/internal/config"
	"github.com/menta2k/tumor-classifier/internal/server"
	"github.com/menta2k/tumor-classifier/internal/utils"
	"github.com/menta2k/tumor-classifier/pkg/classifier"
	"github.com/menta2k/tumor-classifier/pkg/client"
	"github.com/menta2k/tumor-classifier/pkg/explain"
	"github.com/menta2k/tumor-classifier/pkg/llamacpp"
	"github.com/menta2k/tumor-classifier/pkg/model"
	"github.com/menta2k/tumor-classifier/pkg/ollama"
	"github.com/menta2k/tumor-classifier/pkg/onnx"
	"github.com/menta2k/tumor-classifier/pkg/preprocess"
	"github.com/menta2k/tumor-classifier/pkg/report"
	"github.com/menta2k/tumor-classifier/pkg/thumbnail"
	"github.com/menta2k/tumor-classifier/pkg/types"
)

// Version of the tumor classifier library
const Version = "1.0.0"

// TumorClassifier owns the classifier, explainer and report assembler
type TumorClassifier struct {
	config    *config.Config
	service   *classifier.Service
	explainer *explain.Explainer
	reports   *report.Assembler
	log       *zap.SugaredLogger
	session   *onnx.Session
}

// New creates a TumorClassifier with default configuration
func New() (*TumorClassifier, error) {
	return NewWithConfig(config.Default(), nil)
}

// NewWithConfig builds every component from cfg. A missing weight file
// leaves the classifier unloaded so requests fail with ModelNotLoadedError;
// a corrupt one is an error.
func NewWithConfig(cfg *config.Config, logger *zap.SugaredLogger) (*TumorClassifier, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	tc := &TumorClassifier{config: cfg, log: logger}

	scorer, err := tc.loadScorer()
	if err != nil {
		return nil, err
	}

	pre := preprocess.NewWithConfig(preprocess.Config{
		SupportedFormats: cfg.Preprocess.SupportedFormats,
		MinImageSize:     cfg.Preprocess.MinImageSize,
		MaxPixels:        cfg.Preprocess.MaxPixels,
	})
	tc.service = classifier.New(scorer, pre)

	textClient, err := newTextClient(cfg.Explain)
	if err != nil {
		tc.Close()
		return nil, err
	}
	tc.explainer = explain.NewExplainer(textClient, explain.Config{
		Enabled:    cfg.Explain.Enabled,
		Model:      cfg.Explain.Model,
		Timeout:    cfg.ExplainTimeout(),
		MaxRetries: cfg.Explain.MaxRetries,
	}).WithLogger(logger)

	thumbs := thumbnail.New()
	if cfg.Report.ThumbnailMaxPx > 0 {
		thumbs = thumbnail.NewWithConfig(thumbnail.Config{
			MaxWidth:        cfg.Report.ThumbnailMaxPx,
			MaxHeight:       cfg.Report.ThumbnailMaxPx,
			TrimBorder:      cfg.Report.TrimBorder,
			BorderThreshold: 16,
			PaddingRatio:    0.05,
		})
	}
	reportCfg := report.DefaultConfig()
	reportCfg.Title = cfg.Report.Title
	reportCfg.Disclaimer = cfg.Report.Disclaimer
	reportCfg.ThumbnailWidthMM = cfg.Report.ThumbnailWidthMM
	tc.reports = report.NewWithConfig(reportCfg, thumbs)

	return tc, nil
}

func (tc *TumorClassifier) loadScorer() (classifier.Scorer, error) {
	m := tc.config.Model

	switch m.Backend {
	case "onnx":
		session, err := onnx.NewSession(m.ONNXPath, m.ONNXLibrary, m.ONNXMetadata)
		if err != nil {
			var notLoaded *types.ModelNotLoadedError
			if errors.As(err, &notLoaded) {
				tc.log.Warnw("onnx model not found, classifier unloaded", "path", m.ONNXPath)
				return model.New(), nil
			}
			return nil, fmt.Errorf("failed to load onnx model: %w", err)
		}
		tc.session = session
		tc.log.Infow("loaded onnx model", "path", m.ONNXPath)
		return session, nil

	default:
		net, err := model.Load(m.WeightsPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				tc.log.Warnw("weights not found, classifier unloaded", "path", m.WeightsPath)
				return model.New(), nil
			}
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
		tc.log.Infow("loaded weights", "path", m.WeightsPath, "parameters", net.ParamCount())
		return net, nil
	}
}

func newTextClient(cfg config.ExplainConfig) (client.TextClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "llamacpp":
		c, err := llamacpp.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	default:
		c, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	}
}

// Ready reports whether classification requests can succeed
func (tc *TumorClassifier) Ready() bool {
	return tc.service.Ready()
}

// Service returns the classification service
func (tc *TumorClassifier) Service() *classifier.Service {
	return tc.service
}

// Explainer returns the explanation generator
func (tc *TumorClassifier) Explainer() *explain.Explainer {
	return tc.explainer
}

// Reports returns the report assembler
func (tc *TumorClassifier) Reports() *report.Assembler {
	return tc.reports
}

// ClassifyFile classifies the image at path
func (tc *TumorClassifier) ClassifyFile(path string) (*types.Prediction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	return tc.service.Classify(f)
}

// Explain asks the language model about label. Failures degrade to an empty
// string, which is logged.
func (tc *TumorClassifier) Explain(ctx context.Context, label types.Label) string {
	text, err := tc.explainer.Explain(ctx, label.String())
	if err != nil {
		tc.log.Warnw("explanation unavailable", "label", label.String(), "error", err)
		return ""
	}
	return text
}

// ClassifySource classifies a local file or an http(s) URL
func (tc *TumorClassifier) ClassifySource(ctx context.Context, source string) (*types.Prediction, error) {
	if !preprocess.IsURL(source) {
		return tc.ClassifyFile(source)
	}
	data, err := preprocess.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	return tc.service.Classify(bytes.NewReader(data))
}

// Report classifies the image at source and renders the result. Remote
// images are downloaded to a temp file for the PDF scan section.
func (tc *TumorClassifier) Report(ctx context.Context, source string, format report.Format) (*types.Prediction, *report.Artifact, error) {
	path, cleanup, err := tc.localCopy(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	defer cleanup()

	p, err := tc.ClassifyFile(path)
	if err != nil {
		return nil, nil, err
	}

	scan := ""
	if format == report.PDF {
		scan = path
	}
	artifact, err := tc.reports.Assemble(types.ReportFromPrediction(p, tc.Explain(ctx, p.Label), scan), format)
	if err != nil {
		return p, nil, err
	}
	return p, artifact, nil
}

// WriteReport writes a PDF report for an existing prediction on source
// into dst. The scan section is embedded for local files and URLs alike.
func (tc *TumorClassifier) WriteReport(ctx context.Context, source string, p *types.Prediction, analysis, dst string) error {
	path, cleanup, err := tc.localCopy(ctx, source)
	if err != nil {
		return err
	}
	defer cleanup()

	return tc.reports.WriteFile(types.ReportFromPrediction(p, analysis, path), dst)
}

// localCopy returns a filesystem path for source, downloading URLs into
// the temp dir. cleanup removes the download.
func (tc *TumorClassifier) localCopy(ctx context.Context, source string) (string, func(), error) {
	if !preprocess.IsURL(source) {
		return source, func() {}, nil
	}
	data, err := preprocess.Fetch(ctx, source)
	if err != nil {
		return "", nil, err
	}
	path := utils.TempPath(tc.config.Server.TempDir, source)
	if err := os.WriteFile(path, data, 0600); err != nil {
		utils.RemoveQuietly(path)
		return "", nil, fmt.Errorf("failed to store download: %w", err)
	}
	return path, func() { utils.RemoveQuietly(path) }, nil
}

// Server builds the HTTP server over the shared components
func (tc *TumorClassifier) Server() *server.Server {
	return server.New(server.Options{
		Classifier:     tc.service,
		Explainer:      tc.explainer,
		Reports:        tc.reports,
		Logger:         tc.log,
		MaxUploadBytes: tc.config.MaxUploadBytes(),
		TempDir:        tc.config.Server.TempDir,
		AllowedOrigins: tc.config.Server.AllowedOrigins,
	})
}

// Close releases backend resources
func (tc *TumorClassifier) Close() {
	if tc.session != nil {
		tc.session.Close()
		tc.session = nil
		if err := onnx.Shutdown(); err != nil {
			tc.log.Warnw("onnx shutdown failed", "error", err)
		}
	}
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
