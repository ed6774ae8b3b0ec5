package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	tumorclassifier "github.com/menta2k/tumor-classifier"
	"github.com/menta2k/tumor-classifier/internal/config"
	"github.com/menta2k/tumor-classifier/internal/logging"
)

func main() {
	var configPath, addr, weights string
	var dev, noExplain bool

	flag.StringVar(&configPath, "config", "", "path to JSON config (default: built-in defaults)")
	flag.StringVar(&addr, "addr", "", "listen address, overrides config and PORT")
	flag.StringVar(&weights, "weights", "", "weight file, overrides config and TUMOR_WEIGHTS")
	flag.BoolVar(&dev, "dev", false, "development logging and gin debug mode")
	flag.BoolVar(&noExplain, "no-explain", false, "disable language model explanations")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if weights != "" {
		cfg.Model.WeightsPath = weights
	}
	if noExplain {
		cfg.Explain.Enabled = false
	}
	if dev {
		cfg.Log.Development = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	tc, err := tumorclassifier.NewWithConfig(cfg, logger)
	if err != nil {
		logger.Fatalw("failed to initialize classifier", "error", err)
	}
	defer tc.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      tc.Server().Handler(),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infow("server starting",
			"addr", cfg.Server.Addr,
			"model_loaded", tc.Ready(),
			"backend", cfg.Model.Backend,
			"explain", tc.Explainer().Enabled(),
			"version", tumorclassifier.GetVersion())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("graceful shutdown failed", "error", err)
	}
}
