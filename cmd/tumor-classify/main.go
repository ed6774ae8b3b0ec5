package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"

	tumorclassifier "github.com/menta2k/tumor-classifier"
	"github.com/menta2k/tumor-classifier/internal/config"
	"github.com/menta2k/tumor-classifier/internal/logging"
	"github.com/menta2k/tumor-classifier/internal/utils"
	"github.com/menta2k/tumor-classifier/pkg/model"
	"github.com/menta2k/tumor-classifier/pkg/preprocess"
)

type result struct {
	File          string             `json:"file"`
	Prediction    string             `json:"prediction,omitempty"`
	Confidence    float32            `json:"confidence,omitempty"`
	Probabilities map[string]float32 `json:"probabilities,omitempty"`
	Analysis      string             `json:"analysis,omitempty"`
	Report        string             `json:"report,omitempty"`
	Error         string             `json:"error,omitempty"`
}

func main() {
	var in, weights, backend, onnxPath, reportDir string
	var explainBackend, url, explainModel, configPath string
	var initWeights string
	var seed uint64
	var explain, asJSON, verbose bool

	flag.StringVar(&in, "in", "", "input image, directory of images, or http(s) URL")
	flag.StringVar(&configPath, "config", "", "path to JSON config")
	flag.StringVar(&weights, "weights", "", "weight file (default models/tumor_classifier.gob)")
	flag.StringVar(&backend, "backend", "", "classifier backend: native or onnx")
	flag.StringVar(&onnxPath, "onnx", "", "ONNX model path for -backend onnx")
	flag.StringVar(&reportDir, "report", "", "write a PDF report per image into this directory")

	flag.BoolVar(&explain, "explain", false, "ask a language model to explain each prediction")
	flag.StringVar(&explainBackend, "explain-backend", "ollama", "explanation backend: ollama or llamacpp")
	flag.StringVar(&url, "url", "", "explanation server URL (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")
	flag.StringVar(&explainModel, "model", "", "explanation model name")

	flag.BoolVar(&asJSON, "json", false, "print results as JSON")
	flag.BoolVar(&verbose, "v", false, "debug logging")

	flag.StringVar(&initWeights, "init-weights", "", "write randomly initialized weights to this path and exit")
	flag.Uint64Var(&seed, "seed", 1, "seed for -init-weights")
	flag.Parse()

	if initWeights != "" {
		net := model.NewRandom(seed)
		if err := net.Save(initWeights); err != nil {
			log.Fatalf("Failed to write weights: %v", err)
		}
		log.Printf("wrote %s (%d parameters, seed %d)", initWeights, net.ParamCount(), seed)
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in scan.png|dir [-weights file] [-backend native|onnx] [-report outdir] [-explain [-url server_url] [-model name]] [-json]", filepath.Base(os.Args[0]))
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)
	if weights != "" {
		cfg.Model.WeightsPath = weights
	}
	if backend != "" {
		cfg.Model.Backend = backend
	}
	if onnxPath != "" {
		cfg.Model.ONNXPath = onnxPath
	}

	// a config file keeps its explain section unless the flags are given
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if configPath == "" || set["explain"] {
		cfg.Explain.Enabled = explain
	}
	if configPath == "" || set["explain-backend"] {
		cfg.Explain.Backend = explainBackend
		if explainBackend == "llamacpp" && !set["url"] {
			cfg.Explain.URL = "http://localhost:8080"
		}
	}
	if url != "" {
		cfg.Explain.URL = url
	}
	if explainModel != "" {
		cfg.Explain.Model = explainModel
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	tc, err := tumorclassifier.NewWithConfig(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize classifier: %v", err)
	}
	defer tc.Close()
	if !tc.Ready() {
		if cfg.Model.Backend == "onnx" {
			log.Fatalf("Model not loaded: %s not found", cfg.Model.ONNXPath)
		}
		log.Fatalf("Model not loaded: %s not found (create one with -init-weights)", cfg.Model.WeightsPath)
	}

	files := []string{in}
	if !preprocess.IsURL(in) && utils.DirExists(in) {
		files, err = utils.ListImageFiles(in)
		if err != nil {
			log.Fatal(err)
		}
		if len(files) == 0 {
			log.Fatalf("no images found in %s", in)
		}
	}

	if reportDir != "" {
		if err := utils.EnsureDir(reportDir); err != nil {
			log.Fatal(err)
		}
	}

	var bar *pb.ProgressBar
	if len(files) > 1 {
		bar = pb.StartNew(len(files))
	}

	ctx := context.Background()
	results := make([]result, 0, len(files))
	for _, file := range files {
		results = append(results, classify(ctx, tc, file, reportDir))
		if bar != nil {
			bar.Increment()
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if asJSON {
		js, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(js))
		return
	}

	for _, r := range results {
		if r.Error != "" {
			fmt.Printf("%s\terror: %s\n", r.File, r.Error)
			continue
		}
		fmt.Printf("%s\t%s\t%.1f%%\n", r.File, r.Prediction, r.Confidence*100)
		if r.Report != "" {
			fmt.Printf("\treport: %s\n", r.Report)
		}
		if r.Analysis != "" {
			fmt.Printf("\n%s\n\n", r.Analysis)
		}
	}
}

func classify(ctx context.Context, tc *tumorclassifier.TumorClassifier, file, reportDir string) result {
	r := result{File: file}

	p, err := tc.ClassifySource(ctx, file)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Prediction = p.Label.String()
	r.Confidence = p.Confidence
	r.Probabilities = p.Probabilities.ByLabel()
	r.Analysis = tc.Explain(ctx, p.Label)

	if reportDir != "" {
		path := utils.ReportPath(file, reportDir)
		if err := tc.WriteReport(ctx, file, p, r.Analysis, path); err != nil {
			log.Printf("report for %s failed: %v", file, err)
		} else {
			r.Report = path
		}
	}
	return r
}
