package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/ironsheep/imageloader/internal/config"
	"github.com/ironsheep/imageloader/internal/engine"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/pipeline"
	"github.com/ironsheep/imageloader/internal/server"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	logLevel   string
)

var rootCommand = &cobra.Command{
	Use:           "imageloader",
	Short:         "Load, cache and transform images",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides "+config.EnvPrefix+"LOG_LEVEL)")

	rootCommand.AddCommand(
		mcpCommand(),
		loadCommand(),
		infoCommand(),
		cacheCommand(),
		versionCommand(),
	)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errs.IsConfig(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// setup loads the configuration and starts an engine. Logs go to stderr;
// stdout belongs to the command's output.
func setup(ctx context.Context) (*engine.Engine, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		if _, err := config.ParseLogLevel(logLevel); err != nil {
			return nil, nil, err
		}
		cfg.LogLevel = logLevel
	}
	logger := cfg.NewLogger(os.Stderr)
	e, err := engine.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return e, logger, nil
}

func shutdown(e *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the image tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer shutdown(e, logger)

			logger.Info("imageloader MCP server starting", "version", Version, "commit", GitCommit)
			err = server.New(e, server.WithLogger(logger), server.WithVersion(Version)).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func loadCommand() *cobra.Command {
	var (
		args   server.LoadArgs
		output string
	)
	cmd := &cobra.Command{
		Use:   "load <uri>",
		Short: "Load one image and print where it came from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			args.URI = argv[0]
			r, err := server.BuildRequest(args)
			if err != nil {
				return err
			}

			e, logger, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(e, logger)

			res := e.Execute(cmd.Context(), r,
				engine.WithStateListener(func(s pipeline.State) {
					logger.Debug("state", "state", s.String())
				}),
				engine.WithProgress(func(read, total int64) {
					logger.Debug("download progress", "read", read, "total", total)
				}))
			defer res.Release()
			if res.Err != nil {
				return res.Err
			}

			if output != "" {
				if err := imaging.Save(res.Image.Bitmap.Image(), output); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
			}
			return printJSON(server.NewLoadResult(res.State, res.RequestID, res.Image))
		},
	}

	f := cmd.Flags()
	f.IntVar(&args.Width, "width", 0, "target width in pixels")
	f.IntVar(&args.Height, "height", 0, "target height in pixels")
	f.StringVar(&args.Precision, "precision", "", "less_pixels, same_aspect_ratio or exactly")
	f.StringVar(&args.Scale, "scale", "", "center_crop, start_crop, end_crop or fill")
	f.StringVar(&args.ColorType, "color-type", "", "ARGB_8888, RGBA_F16, RGB_565 or ALPHA_8")
	f.StringSliceVarP(&args.Transformations, "transform", "t", nil, "transformation, repeatable (rotate:90, square, blur:2, grayscale, mask:#rrggbb:0.5)")
	f.StringVar(&args.MemoryCachePolicy, "memory-cache", "", "memory cache policy")
	f.StringVar(&args.ResultCachePolicy, "result-cache", "", "result cache policy")
	f.StringVar(&args.DownloadCachePolicy, "download-cache", "", "download cache policy")
	f.StringVar(&args.Depth, "depth", "", "network, local or memory")
	f.StringToStringVarP(&args.Headers, "header", "H", nil, "HTTP header name=value, repeatable")
	f.StringVarP(&output, "output", "o", "", "write the result image to this file (format from extension)")
	return cmd
}

func infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <uri>",
		Short: "Print the source dimensions and format of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			r, err := server.BuildRequest(server.LoadArgs{URI: argv[0]})
			if err != nil {
				return err
			}
			e, logger, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(e, logger)

			info, from, err := e.ReadImageInfo(cmd.Context(), r)
			if err != nil {
				return err
			}
			return printJSON(server.InfoResult{ImageInfo: info, DataFrom: from.String()})
		},
	}
}

func cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the caches",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print cache statistics as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				e, logger, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer shutdown(e, logger)
				return printJSON(e.Stats())
			},
		},
		&cobra.Command{
			Use:       "clear [memory|pool|result|download]...",
			Short:     "Clear the named caches, or all of them",
			ValidArgs: []string{"memory", "pool", "result", "download"},
			Args:      cobra.OnlyValidArgs,
			RunE: func(cmd *cobra.Command, argv []string) error {
				e, logger, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer shutdown(e, logger)
				if err := e.ClearCaches(argv...); err != nil {
					return err
				}
				logger.Info("caches cleared", "caches", argv)
				return nil
			},
		},
	)
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("imageloader %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}
}
