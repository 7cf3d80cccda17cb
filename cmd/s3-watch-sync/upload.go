package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/s3-watch-sync/internal/checksum"
	"github.com/yuya-takeyama/s3-watch-sync/internal/events"
	"github.com/yuya-takeyama/s3-watch-sync/internal/progress"
	"github.com/yuya-takeyama/s3-watch-sync/internal/s3client"
	"github.com/yuya-takeyama/s3-watch-sync/internal/worker"
)

var (
	remoteFolder   string
	concurrency    int
	resultJSONFile string
)

// UploadResult is the JSON report written by --result-json-file.
type UploadResult struct {
	Files   []ResultFile  `json:"files"`
	Errors  []ErrorFile   `json:"errors"`
	Summary ResultSummary `json:"summary"`
}

type ResultFile struct {
	Outcome  string `json:"outcome"` // "succeeded", "skipped_already_exists", "cancelled"
	Source   string `json:"source"`
	Target   string `json:"target"`
	Attempts int    `json:"attempts"`
}

type ErrorFile struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Error  string `json:"error"`
}

type ResultSummary struct {
	Uploaded int   `json:"uploaded"`
	Skipped  int   `json:"skipped"`
	Failed   int   `json:"failed"`
	Bytes    int64 `json:"bytes"`
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <LocalPath>...",
		Short: "Upload files once, resuming earlier interrupted uploads",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}

	cmd.Flags().StringVar(&remoteFolder, "remote", "", "Remote folder to upload into (relative to the target)")
	cmd.Flags().IntVar(&concurrency, "concurrency", worker.DefaultConcurrency, "Number of concurrent uploads")
	cmd.Flags().StringVar(&resultJSONFile, "result-json-file", "", "Path to output result as JSON file")
	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	bucket, prefix, _ := s3client.ParseS3URI(cfg.Target)

	files := make([]worker.File, 0, len(args))
	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", arg, err)
		}
		files = append(files, worker.File{Path: path, Name: filepath.Base(path)})
	}

	log := logrus.StandardLogger()
	pool := worker.NewPool(backend, progress.Open(appFs, cfg.ProgressFile, log.WithField("component", "progress")),
		worker.WithFs(appFs),
		worker.WithChecksums(checksum.NewMD5(appFs)),
		worker.WithLogger(log.WithField("component", "worker")),
		worker.WithSink(events.SinkFunc(func(e events.Event) {
			if p, ok := e.(events.UploadProgress); ok {
				log.WithFields(logrus.Fields{"file": p.FileName, "percent": p.Percent}).Debug("Upload progress")
			}
		})),
		worker.WithChunkSize(cfg.ChunkSize),
		worker.WithMaxRetries(cfg.MaxRetries),
		worker.WithRetryDelay(cfg.RetryDelay.Std()),
		worker.WithConcurrency(concurrency),
	)

	results, err := pool.UploadFiles(ctx, files, remoteFolder)
	if err != nil {
		return err
	}

	report := buildUploadResult(results, func(name string) string {
		return formatS3Path(bucket, s3client.ObjectKey(prefix, remoteFolder, name))
	})

	if resultJSONFile != "" {
		if err := writeUploadResult(resultJSONFile, report); err != nil {
			return fmt.Errorf("failed to write result JSON: %w", err)
		}
	}

	if n := len(files) - len(results); n > 0 {
		log.WithField("count", n).Warn("Some files could not be read and were not uploaded")
	}
	if report.Summary.Failed > 0 {
		return fmt.Errorf("%d uploads failed", report.Summary.Failed)
	}
	return nil
}

func buildUploadResult(results []worker.Result, target func(name string) string) UploadResult {
	report := UploadResult{
		Files:  []ResultFile{},
		Errors: []ErrorFile{},
	}

	for _, r := range results {
		dest := target(r.File.Name)
		switch r.Outcome {
		case worker.Failed:
			report.Errors = append(report.Errors, ErrorFile{
				Source: r.File.Path,
				Target: dest,
				Error:  r.Err.Error(),
			})
			report.Summary.Failed++
			continue
		case worker.Succeeded:
			report.Summary.Uploaded++
			report.Summary.Bytes += r.Bytes
		case worker.SkippedAlreadyExists:
			report.Summary.Skipped++
		}
		report.Files = append(report.Files, ResultFile{
			Outcome:  r.Outcome.String(),
			Source:   r.File.Path,
			Target:   dest,
			Attempts: r.Attempts,
		})
	}
	return report
}

func writeUploadResult(path string, result UploadResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := afero.WriteFile(appFs, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func formatS3Path(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}
