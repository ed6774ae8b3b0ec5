// Package server exposes the classifier over HTTP.
package server

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/tumor-classifier/pkg/classifier"
	"github.com/menta2k/tumor-classifier/pkg/explain"
	"github.com/menta2k/tumor-classifier/pkg/report"
)

// multipartOverhead is allowed on top of the file size cap for form framing
const multipartOverhead = 1 << 20

// Options holds the collaborators and limits of a Server
type Options struct {
	Classifier     *classifier.Service
	Explainer      *explain.Explainer
	Reports        *report.Assembler
	Logger         *zap.SugaredLogger
	MaxUploadBytes int64
	TempDir        string
	AllowedOrigins []string
}

// Server routes classification requests. It holds no per-request state.
type Server struct {
	engine     *gin.Engine
	classifier *classifier.Service
	explainer  *explain.Explainer
	reports    *report.Assembler
	log        *zap.SugaredLogger
	maxUpload  int64
	tempDir    string
	origins    []string
}

// New builds a Server and registers its routes
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Explainer == nil {
		opts.Explainer = explain.Disabled()
	}
	if opts.Reports == nil {
		opts.Reports = report.New()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		classifier: opts.Classifier,
		explainer:  opts.Explainer,
		reports:    opts.Reports,
		log:        opts.Logger,
		maxUpload:  opts.MaxUploadBytes,
		tempDir:    opts.TempDir,
		origins:    opts.AllowedOrigins,
	}

	engine := gin.New()
	engine.MaxMultipartMemory = opts.MaxUploadBytes
	engine.Use(s.requestLogger(), s.recovery(), s.cors())

	engine.GET("/health", s.health)
	engine.GET("/labels", s.labels)
	engine.POST("/classify", s.classify)
	engine.POST("/classify/report", s.classifyReport)
	engine.POST("/", s.classifyReport)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)

		c.Next()

		fields := []any{
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			s.log.Errorw("request failed", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			s.log.Warnw("request rejected", fields...)
		default:
			s.log.Infow("request served", fields...)
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Errorw("panic while serving request", "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func (s *Server) cors() gin.HandlerFunc {
	wildcard := slices.Contains(s.origins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.ContainsFunc(s.origins, func(o string) bool { return strings.EqualFold(o, origin) }):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
