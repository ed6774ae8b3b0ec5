package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/tumor-classifier/internal/utils"
	"github.com/menta2k/tumor-classifier/pkg/types"
)

// upload is a request file read into memory
type upload struct {
	name string
	data []byte
}

// requestError carries the status an error should be reported with
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func (s *Server) health(c *gin.Context) {
	ready := s.classifier != nil && s.classifier.Ready()
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"model_loaded":    ready,
		"labels":          types.LabelNames(),
		"explain_enabled": s.explainer.Enabled(),
	})
}

func (s *Server) labels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"labels": types.LabelNames()})
}

// classify answers with the prediction as JSON. The upload never touches disk.
func (s *Server) classify(c *gin.Context) {
	up, err := s.readUpload(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.Debugw("received file", "name", up.name, "size", utils.FormatFileSize(int64(len(up.data))))

	report, err := s.predict(c, up, "")
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, s.reports.Response(report))
}

// classifyReport answers with a PDF report embedding the scan
func (s *Server) classifyReport(c *gin.Context) {
	up, err := s.readUpload(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	scanPath := utils.TempPath(s.tempDir, up.name)
	defer s.remove(scanPath)
	if err := os.WriteFile(scanPath, up.data, 0600); err != nil {
		s.fail(c, fmt.Errorf("failed to store upload: %w", err))
		return
	}

	report, err := s.predict(c, up, scanPath)
	if err != nil {
		s.fail(c, err)
		return
	}

	pdfPath := utils.TempPath(s.tempDir, "") + ".pdf"
	defer s.remove(pdfPath)
	if err := s.reports.WriteFile(report, pdfPath); err != nil {
		s.fail(c, err)
		return
	}

	c.FileAttachment(pdfPath, utils.ReportFilename(up.name))
}

// predict classifies the upload and attaches an explanation when enabled
func (s *Server) predict(c *gin.Context, up *upload, scanPath string) (types.Report, error) {
	if s.classifier == nil {
		return types.Report{}, &types.ModelNotLoadedError{Reason: "no classifier configured"}
	}

	prediction, err := s.classifier.Classify(bytes.NewReader(up.data))
	if err != nil {
		return types.Report{}, err
	}

	analysis := ""
	if wantExplanation(c) {
		analysis = s.explanation(c.Request.Context(), prediction.Label.String())
	}

	s.log.Infow("classified upload",
		"file", up.name,
		"prediction", prediction.Label.String(),
		"confidence", prediction.Confidence,
		"explained", analysis != "")

	return types.ReportFromPrediction(prediction, analysis, scanPath), nil
}

// explanation degrades to an empty analysis when the service fails
func (s *Server) explanation(ctx context.Context, label string) string {
	text, err := s.explainer.Explain(ctx, label)
	if err != nil {
		s.log.Warnw("explanation unavailable", "label", label, "error", err)
		return ""
	}
	return text
}

func wantExplanation(c *gin.Context) bool {
	v := c.Query("explain")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

func (s *Server) readUpload(c *gin.Context) (*upload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload+multipartOverhead)

	fh, err := formFile(c, "file", "image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return nil, s.tooLarge()
		}
		return nil, &requestError{status: http.StatusBadRequest, msg: "no file uploaded (form field 'file')"}
	}
	if fh.Size > s.maxUpload {
		return nil, s.tooLarge()
	}

	f, err := fh.Open()
	if err != nil {
		return nil, &requestError{status: http.StatusBadRequest, msg: "failed to open uploaded file"}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		return nil, &requestError{status: http.StatusBadRequest, msg: "failed to read uploaded file"}
	}
	if int64(len(data)) > s.maxUpload {
		return nil, s.tooLarge()
	}
	if len(data) == 0 {
		return nil, &types.InvalidImageError{Reason: "empty upload"}
	}

	return &upload{name: utils.SanitizeFilename(fh.Filename), data: data}, nil
}

func (s *Server) tooLarge() error {
	return &requestError{
		status: http.StatusRequestEntityTooLarge,
		msg:    fmt.Sprintf("file too large (max %s)", utils.FormatFileSize(s.maxUpload)),
	}
}

func formFile(c *gin.Context, fields ...string) (*multipart.FileHeader, error) {
	var err error
	for _, field := range fields {
		var fh *multipart.FileHeader
		if fh, err = c.FormFile(field); err == nil {
			return fh, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, err
		}
	}
	return nil, err
}

// fail writes err as {"error": msg} with the status its type maps to
func (s *Server) fail(c *gin.Context, err error) {
	status, msg := statusFor(err)
	c.Error(err)
	c.AbortWithStatusJSON(status, types.ErrorResponse{Error: msg})
}

func statusFor(err error) (int, string) {
	var (
		reqErr    *requestError
		invalid   *types.InvalidImageError
		notLoaded *types.ModelNotLoadedError
		inference *types.InferenceError
		reportErr *types.ReportGenerationError
	)

	switch {
	case errors.As(err, &reqErr):
		return reqErr.status, reqErr.msg
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()
	case errors.As(err, &notLoaded):
		return http.StatusServiceUnavailable, notLoaded.Error()
	case errors.As(err, &inference):
		return http.StatusInternalServerError, "inference failed"
	case errors.As(err, &reportErr):
		return http.StatusInternalServerError, "report generation failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) remove(path string) {
	if err := utils.RemoveQuietly(path); err != nil {
		s.log.Warnw("failed to remove temp file", "path", path, "error", err)
	}
}
