package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/menta2k/tumor-classifier/pkg/types"
)

// createTestImage creates a dark scan with a bright center
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(10)
			if x > width/4 && x < 3*width/4 && y > height/4 && y < 3*height/4 {
				v = 180
			}
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func writeTestImage(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "scan.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, createTestImage(120, 120)); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return path
}

func testReport() types.Report {
	p := &types.Prediction{
		Label:         types.GliomaTumor,
		Scores:        types.Scores{2.5, 0.1, -1, 0.3},
		Probabilities: types.Scores{0.8, 0.09, 0.03, 0.08},
		Confidence:    0.8,
	}
	return types.ReportFromPrediction(p, "Gliomas arise from glial cells.", "")
}

func uncompressed() *Assembler {
	cfg := DefaultConfig()
	cfg.Compress = false
	a := NewWithConfig(cfg, nil)
	a.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"json": JSON, "PDF": PDF, " pdf ": PDF} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("docx"); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestAssembleJSON(t *testing.T) {
	artifact, err := New().Assemble(testReport(), JSON)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if artifact.ContentType != "application/json" {
		t.Errorf("Unexpected content type %q", artifact.ContentType)
	}

	var resp types.ClassifyResponse
	if err := json.Unmarshal(artifact.Data, &resp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if resp.Prediction != "glioma_tumor" {
		t.Errorf("Expected glioma_tumor, got %q", resp.Prediction)
	}
	if resp.Analysis != "Gliomas arise from glial cells." {
		t.Errorf("Unexpected analysis %q", resp.Analysis)
	}
	if len(resp.Scores) != types.NumClasses {
		t.Errorf("Expected %d scores, got %v", types.NumClasses, resp.Scores)
	}
	if resp.Confidence != 0.8 {
		t.Errorf("Expected confidence 0.8, got %f", resp.Confidence)
	}
}

func TestAssembleJSONDoesNotTouchFilesystem(t *testing.T) {
	dir := t.TempDir()
	r := testReport()
	r.SourceImagePath = writeTestImage(t, dir)

	if _, err := New().Assemble(r, JSON); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the source image in %s, found %d entries", dir, len(entries))
	}
}

func TestAssemblePDF(t *testing.T) {
	artifact, err := uncompressed().Assemble(testReport(), PDF)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if artifact.ContentType != "application/pdf" {
		t.Errorf("Unexpected content type %q", artifact.ContentType)
	}
	if !bytes.HasPrefix(artifact.Data, []byte("%PDF-")) {
		t.Fatal("Output does not start with a PDF header")
	}

	for _, want := range []string{
		"Brain MRI Classification Report",
		"Predicted Class: glioma_tumor",
		"Model Output:",
		"AI Analysis:",
	} {
		if !bytes.Contains(artifact.Data, []byte(want)) {
			t.Errorf("PDF should contain %q", want)
		}
	}
	if bytes.Contains(artifact.Data, []byte("MRI Scan:")) {
		t.Error("Scan section should be omitted without a source image")
	}
}

func TestAssemblePDFWithImage(t *testing.T) {
	r := testReport()
	plain, err := uncompressed().Assemble(r, PDF)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	r.SourceImagePath = writeTestImage(t, t.TempDir())
	withImage, err := uncompressed().Assemble(r, PDF)
	if err != nil {
		t.Fatalf("Assemble with image failed: %v", err)
	}

	if !bytes.Contains(withImage.Data, []byte("MRI Scan:")) {
		t.Error("PDF should contain the scan section")
	}
	if !bytes.Contains(withImage.Data, []byte("/Subtype /Image")) {
		t.Error("PDF should embed an image object")
	}
	if len(withImage.Data) <= len(plain.Data) {
		t.Errorf("Embedding the scan should grow the document: %d vs %d", len(withImage.Data), len(plain.Data))
	}
}

func TestAssemblePDFMissingImage(t *testing.T) {
	r := testReport()
	r.SourceImagePath = filepath.Join(t.TempDir(), "gone.png")

	artifact, err := uncompressed().Assemble(r, PDF)
	if err != nil {
		t.Fatalf("Missing image should not fail the report: %v", err)
	}
	if bytes.Contains(artifact.Data, []byte("MRI Scan:")) {
		t.Error("Scan section should be omitted for a missing image")
	}
}

func TestAssemblePDFUndecodableImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.png")
	if err := os.WriteFile(path, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	r := testReport()
	r.SourceImagePath = path
	if _, err := New().Assemble(r, PDF); err != nil {
		t.Errorf("Undecodable image should not fail the report: %v", err)
	}
}

func TestAssemblePDFNonLatinText(t *testing.T) {
	r := testReport()
	r.Analysis = "Tumeur cérébrale – suivi recommandé. 脑肿瘤"
	if _, err := New().Assemble(r, PDF); err != nil {
		t.Errorf("Non-Latin analysis should render: %v", err)
	}
}

func TestAssembleEmptyPrediction(t *testing.T) {
	for _, format := range []Format{JSON, PDF} {
		_, err := New().Assemble(types.Report{Analysis: "x"}, format)
		var genErr *types.ReportGenerationError
		if !errors.As(err, &genErr) {
			t.Errorf("%s: expected ReportGenerationError, got %v", format, err)
		}
	}
}

func TestAssembleBlankPrediction(t *testing.T) {
	r := testReport()
	r.Prediction = "   "
	for _, format := range []Format{JSON, PDF} {
		artifact, err := New().Assemble(r, format)
		if err != nil {
			t.Errorf("%s: non-empty prediction should render: %v", format, err)
			continue
		}
		if len(artifact.Data) == 0 {
			t.Errorf("%s: empty artifact", format)
		}
	}
}

func TestAssembleUnknownFormat(t *testing.T) {
	_, err := New().Assemble(testReport(), Format("docx"))
	var genErr *types.ReportGenerationError
	if !errors.As(err, &genErr) {
		t.Errorf("Expected ReportGenerationError, got %v", err)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := New().WriteFile(testReport(), path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "%PDF-") {
		t.Error("Written file is not a PDF")
	}

	err = New().WriteFile(testReport(), filepath.Join(t.TempDir(), "missing", "report.pdf"))
	if err == nil {
		t.Error("Expected error writing into a missing directory")
	}
}

func BenchmarkAssemblePDF(b *testing.B) {
	a := New()
	r := testReport()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Assemble(r, PDF)
	}
}
