// Package report renders classification results as JSON payloads or PDF
// documents.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/menta2k/tumor-classifier/pkg/preprocess"
	"github.com/menta2k/tumor-classifier/pkg/thumbnail"
	"github.com/menta2k/tumor-classifier/pkg/types"
)

// Format selects the output artifact
type Format string

const (
	JSON Format = "json"
	PDF  Format = "pdf"
)

// ParseFormat maps a format name to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "pdf":
		return PDF, nil
	default:
		return "", fmt.Errorf("unknown report format: %q", s)
	}
}

// Artifact is a rendered report
type Artifact struct {
	Format      Format
	ContentType string
	Filename    string
	Data        []byte
}

// Config holds configuration for report rendering
type Config struct {
	Title            string
	Author           string
	Disclaimer       string
	ThumbnailWidthMM float64
	Compress         bool
}

// Assembler renders reports. It keeps no per-report state.
type Assembler struct {
	config       Config
	thumbnailer  *thumbnail.Thumbnailer
	preprocessor *preprocess.Preprocessor
	now          func() time.Time
}

// DefaultConfig returns the default report configuration
func DefaultConfig() Config {
	return Config{
		Title:            "Brain MRI Classification Report",
		Author:           "tumor-classifier",
		Disclaimer:       "Automated classification for research use. Not a medical diagnosis.",
		ThumbnailWidthMM: 100,
		Compress:         true,
	}
}

// New creates an Assembler with default configuration
func New() *Assembler {
	return NewWithConfig(DefaultConfig(), nil)
}

// NewWithConfig creates an Assembler. A nil thumbnailer uses the defaults.
func NewWithConfig(config Config, thumbnailer *thumbnail.Thumbnailer) *Assembler {
	if config.Title == "" {
		config.Title = DefaultConfig().Title
	}
	if config.ThumbnailWidthMM <= 0 {
		config.ThumbnailWidthMM = DefaultConfig().ThumbnailWidthMM
	}
	if thumbnailer == nil {
		thumbnailer = thumbnail.New()
	}
	return &Assembler{
		config:       config,
		thumbnailer:  thumbnailer,
		preprocessor: preprocess.New(),
		now:          time.Now,
	}
}

// Assemble renders r in the requested format
func (a *Assembler) Assemble(r types.Report, format Format) (*Artifact, error) {
	switch format {
	case JSON:
		data, err := a.JSON(r)
		if err != nil {
			return nil, err
		}
		return &Artifact{Format: JSON, ContentType: "application/json", Filename: "report.json", Data: data}, nil
	case PDF:
		var buf bytes.Buffer
		if err := a.writePDF(&buf, r); err != nil {
			return nil, err
		}
		return &Artifact{Format: PDF, ContentType: "application/pdf", Filename: "report.pdf", Data: buf.Bytes()}, nil
	default:
		return nil, &types.ReportGenerationError{Format: string(format), Err: errors.New("unknown format")}
	}
}

// Response builds the JSON payload for r without touching the filesystem
func (a *Assembler) Response(r types.Report) types.ClassifyResponse {
	resp := types.ClassifyResponse{
		Prediction: r.Prediction,
		Analysis:   r.Analysis,
	}
	if r.Scores != nil {
		resp.Scores = r.Scores.ByLabel()
	}
	if r.Probabilities != nil {
		if label, err := types.ParseLabel(r.Prediction); err == nil {
			resp.Confidence = r.Probabilities[label]
		}
	}
	return resp
}

// JSON encodes the JSON payload for r
func (a *Assembler) JSON(r types.Report) ([]byte, error) {
	if r.Prediction == "" {
		return nil, &types.ReportGenerationError{Format: string(JSON), Err: errors.New("empty prediction")}
	}
	data, err := json.Marshal(a.Response(r))
	if err != nil {
		return nil, &types.ReportGenerationError{Format: string(JSON), Err: err}
	}
	return data, nil
}

// WriteFile renders r as PDF into path
func (a *Assembler) WriteFile(r types.Report, path string) error {
	artifact, err := a.Assemble(r, PDF)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, artifact.Data, 0644); err != nil {
		return &types.ReportGenerationError{Format: string(PDF), Err: fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)}
	}
	return nil
}

func (a *Assembler) writePDF(buf *bytes.Buffer, r types.Report) error {
	if r.Prediction == "" {
		return &types.ReportGenerationError{Format: string(PDF), Err: errors.New("empty prediction")}
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetCompression(a.config.Compress)
	pdf.SetTitle(a.config.Title, true)
	pdf.SetAuthor(a.config.Author, true)
	pdf.SetCreator("tumor-classifier", true)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.SetTextColor(128, 128, 128)
		if a.config.Disclaimer != "" {
			pdf.CellFormat(0, 5, tr(a.config.Disclaimer), "", 1, "C", false, 0, "")
		}
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	// Title
	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, tr(a.config.Title), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(0, 6, "Generated "+a.now().UTC().Format("2006-01-02 15:04 MST"), "", 1, "C", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(8)

	// Prediction
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, tr("Predicted Class: "+r.Prediction), "", 1, "", false, 0, "")
	pdf.SetFont("Arial", "", 12)
	if r.RawOutput != "" {
		pdf.MultiCell(0, 8, tr("Model Output: "+r.RawOutput), "", "", false)
	}
	if r.Probabilities != nil {
		pdf.Ln(2)
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(0, 8, "Class probabilities:", "", 1, "", false, 0, "")
		pdf.SetFont("Arial", "", 11)
		for _, l := range types.Labels() {
			pdf.CellFormat(10, 7, "", "", 0, "", false, 0, "")
			pdf.CellFormat(60, 7, l.String(), "", 0, "", false, 0, "")
			pdf.CellFormat(0, 7, fmt.Sprintf("%.2f%%", r.Probabilities[l]*100), "", 1, "", false, 0, "")
		}
	}
	pdf.Ln(6)

	a.addScan(pdf, r.SourceImagePath)

	// Analysis
	if strings.TrimSpace(r.Analysis) != "" {
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(0, 10, "AI Analysis:", "", 1, "", false, 0, "")
		pdf.SetFont("Arial", "", 11)
		pdf.MultiCell(0, 6, tr(strings.TrimSpace(r.Analysis)), "", "", false)
	}

	if err := pdf.Output(buf); err != nil {
		return &types.ReportGenerationError{Format: string(PDF), Err: err}
	}
	if buf.Len() == 0 {
		return &types.ReportGenerationError{Format: string(PDF), Err: errors.New("empty document")}
	}
	return nil
}

// addScan embeds the source image. Any problem reading or decoding the file
// omits the section.
func (a *Assembler) addScan(pdf *fpdf.Fpdf, path string) {
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	img, _, err := a.preprocessor.Decode(f)
	f.Close()
	if err != nil {
		return
	}

	thumb, err := a.thumbnailer.Make(img)
	if err != nil {
		return
	}
	var encoded bytes.Buffer
	if err := thumbnail.EncodePNG(&encoded, thumb.Image); err != nil {
		return
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("scan", opts, &encoded)
	if pdf.Err() {
		pdf.ClearError()
		return
	}

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, "MRI Scan:", "", 1, "", false, 0, "")
	pdf.ImageOptions("scan", 10, 0, a.config.ThumbnailWidthMM, 0, true, opts, 0, "")
	pdf.Ln(6)
}
