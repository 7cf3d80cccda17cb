package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// VerboseEnv forces debug logging when set to a true value.
const VerboseEnv = "S3_WATCH_SYNC_LOG_VERBOSE"

// Setup configures the standard logrus logger.
func Setup(level, format string, out io.Writer) error {
	lvl := logrus.InfoLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		lvl = parsed
	}
	if verbose, _ := strconv.ParseBool(os.Getenv(VerboseEnv)); verbose {
		lvl = logrus.DebugLevel
	}

	switch format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format: %q", format)
	}

	if out != nil {
		logrus.SetOutput(out)
	}
	logrus.SetLevel(lvl)
	return nil
}

// Summary is the end-of-run tally of uploads.
type Summary struct {
	Uploaded  int64
	Skipped   int64
	Failed    int64
	Cancelled int64
	Bytes     int64
	Duration  time.Duration
}

// PrintSummary prints a summary of the sync session
func PrintSummary(w io.Writer, s Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "Uploaded: %d files (%s)\n", s.Uploaded, FormatBytes(s.Bytes))
	if s.Skipped > 0 {
		fmt.Fprintf(w, "Skipped (already exists): %d files\n", s.Skipped)
	}
	if s.Cancelled > 0 {
		fmt.Fprintf(w, "Cancelled: %d\n", s.Cancelled)
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "Errors: %d\n", s.Failed)
	}
	fmt.Fprintf(w, "Duration: %s\n", s.Duration.Round(time.Millisecond))
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
