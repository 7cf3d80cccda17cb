package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/s3-watch-sync/internal/checksum"
	"github.com/yuya-takeyama/s3-watch-sync/internal/config"
	"github.com/yuya-takeyama/s3-watch-sync/internal/events"
	"github.com/yuya-takeyama/s3-watch-sync/internal/logging"
	"github.com/yuya-takeyama/s3-watch-sync/internal/metrics"
	"github.com/yuya-takeyama/s3-watch-sync/internal/orchestrator"
	"github.com/yuya-takeyama/s3-watch-sync/internal/progress"
	"github.com/yuya-takeyama/s3-watch-sync/internal/walker"
)

var (
	folderFlags []string
	metricsAddr string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the configured folders and upload settled files",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}

	cmd.Flags().StringArrayVar(&folderFlags, "folder", nil, "Folder to watch as path[=remote] (multiple allowed)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	for _, f := range folderFlags {
		folder, err := config.ParseFolder(f)
		if err != nil {
			return err
		}
		cfg.Folders = append(cfg.Folders, folder)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Folders) == 0 {
		return errors.New("no folders to watch: list them in the config file or pass --folder")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	if err := backend.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to access %s: %w", cfg.Target, err)
	}

	log := logrus.StandardLogger()
	o := orchestrator.New(orchestrator.Config{
		PollInterval:       cfg.PollInterval.Std(),
		StabilityInterval:  cfg.StabilityCheckInterval.Std(),
		StabilityThreshold: cfg.StabilityThreshold.Std(),
		ChunkSize:          cfg.ChunkSize,
		MaxRetries:         cfg.MaxRetries,
		RetryDelay:         cfg.RetryDelay.Std(),
	}, orchestrator.Deps{
		Fs:        appFs,
		Clock:     clockwork.NewRealClock(),
		Scanner:   walker.NewWalker(appFs, cfg.Excludes, log.WithField("component", "walker")),
		Checksums: checksum.NewMD5(appFs),
		Backend:   backend,
		Store:     progress.Open(appFs, cfg.ProgressFile, log.WithField("component", "progress")),
		Log:       log,
	})
	defer o.Close()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer srv.Shutdown(context.Background())
	}

	go logEvents(o)

	for _, f := range cfg.Folders {
		if _, err := o.RegisterFolder(f.Path, f.Remote); err != nil {
			return fmt.Errorf("failed to watch %s: %w", f.Path, err)
		}
	}

	start := time.Now()
	log.WithField("folders", len(cfg.Folders)).Info("Watching for changes")
	if err := o.Run(ctx); err != nil {
		return err
	}

	stats := o.Stats()
	logging.PrintSummary(cmd.OutOrStdout(), logging.Summary{
		Uploaded:  stats.Succeeded,
		Skipped:   stats.Skipped,
		Failed:    stats.Failed,
		Cancelled: stats.Cancelled,
		Bytes:     stats.Bytes,
		Duration:  time.Since(start),
	})
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logrus.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server stopped")
		}
	}()
	return srv
}

// logEvents drains the event stream. Components log their own work, so most
// events only show up at debug level.
func logEvents(o *orchestrator.Orchestrator) {
	for {
		select {
		case <-o.Done():
			return
		case e := <-o.Events():
			switch e := e.(type) {
			case events.RemoteFolderNeeded:
				logrus.WithField("path", e.LocalPath).
					Warn("No remote folder for this folder; set `remote` in the config to upload it")
			case events.UploadProgress:
				logrus.WithFields(logrus.Fields{"file": e.FileName, "percent": e.Percent}).Debug("Upload progress")
			default:
				logrus.Debug(e.String())
			}
		}
	}
}
