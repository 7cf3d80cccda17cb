package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/s3-watch-sync/internal/config"
	"github.com/yuya-takeyama/s3-watch-sync/internal/logging"
	"github.com/yuya-takeyama/s3-watch-sync/internal/s3client"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var (
	configPath string
	logLevel   string
)

var appFs = afero.NewOsFs()

func main() {
	rootCmd := &cobra.Command{
		Use:   "s3-watch-sync",
		Short: "Watch local folders and upload settled files to S3",
		Long: `s3-watch-sync polls local folders for new and modified files, waits until
each file has stopped growing, and uploads it to S3 as a resumable multipart
upload. Interrupted uploads continue where they left off on the next start.`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides the config file)")

	rootCmd.AddCommand(
		newRunCmd(),
		newUploadCmd(),
		newFoldersCmd(),
		newQuotaCmd(),
		newProgressCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy)
}

// loadConfig reads the config file and sets up logging. A missing file is
// only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Parse(appFs, configPath)
	switch {
	case errors.Is(err, config.ErrNotFound) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
		if err := cfg.ExpandPaths(); err != nil {
			return config.Config{}, err
		}
	case err != nil:
		return config.Config{}, err
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newBackend(ctx context.Context, cfg config.Config) (*s3client.Backend, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if cfg.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	bucket, prefix, err := s3client.ParseS3URI(cfg.Target)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3client.NewClient(awsCfg, s3Opts...)
	return s3client.NewBackend(client, appFs, bucket, prefix, cfg.QuotaBytes,
		logrus.WithField("component", "s3")), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "s3-watch-sync "+versionString())
		},
	}
}
