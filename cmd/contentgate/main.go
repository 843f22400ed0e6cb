// Command contentgate runs the content-filtering proxy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/contentgate"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "contentgate",
		Short: "Content-filtering HTTP proxy",
		Long: `contentgate is a forward proxy that blocks requests to configured hosts
and responses whose text matches a keyword category. The policy is fetched
from the Settings Service, cached on disk, and refreshed while traffic flows.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to config file (default: search ./contentgate.yaml, ~/.contentgate, /etc/contentgate)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newServeCmd(opts),
		newCheckHostCmd(opts),
		newGenConfigCmd(),
		newPrintBlockPageCmd(),
	)
	return root
}

func loadConfig(opts *rootOptions) (*contentgate.Config, *slog.Logger, io.Closer, error) {
	cfg, err := contentgate.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr, baseURL, userID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the filtering proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closer, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			if addr != "" {
				cfg.Server.Addr = addr
			}
			if baseURL != "" {
				cfg.Settings.BaseURL = baseURL
			}
			if userID != "" {
				cfg.Settings.UserID = userID
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "proxy listen address (overrides server.addr)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Settings Service base URL (overrides settings.base_url)")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id and bearer token (overrides settings.user_id)")
	return cmd
}

func serve(ctx context.Context, cfg *contentgate.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := cfg.BuildEngine(logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	proxy := contentgate.NewProxy(cfg.Server.Addr, engine)
	proxy.Logger = logger
	proxy.DialTimeout = cfg.Server.DialTimeout
	if dt, ok := proxy.Transport.(*contentgate.DirectTransport); ok {
		dt.DialTimeout = cfg.Server.DialTimeout
	}

	if cfg.Metrics.Enabled {
		m := contentgate.NewMetrics()
		engine.Metrics = m
		proxy.Metrics = m
		if dt, ok := proxy.Transport.(*contentgate.DirectTransport); ok {
			m.RegisterTransport(dt)
		}
		logger.Info("prometheus metrics enabled at /metrics")
	}

	var health *contentgate.HealthChecker
	if cfg.Metrics.Health {
		health = contentgate.NewHealthChecker()
		health.ReadinessChecks = []contentgate.ReadinessCheck{
			contentgate.PolicyLoadedCheck(engine.Store),
		}
		proxy.HealthChecker = health
	}

	if cfg.Admin.Enabled {
		admin := contentgate.NewAdminAPI(engine)
		admin.Logger = logger
		admin.PathPrefix = cfg.Admin.PathPrefix
		proxy.Admin = admin
		logger.Info("admin API enabled", "prefix", admin.PathPrefix)
	}

	if cfg.Logging.AccessLog {
		proxy.AccessLog = contentgate.NewAccessLogger(logger)
	}

	// The first load is synchronous so the proxy starts with the best
	// policy available.
	snap := engine.Store.Reload(ctx)
	logger.Info("initial policy loaded",
		"source", snap.Source,
		"blocked", len(snap.Policy.BlockedHosts),
		"excluded", len(snap.Policy.ExcludedHosts),
		"categories", len(snap.Policy.Categories),
	)

	if cfg.Policy.BackgroundReload {
		cancel := engine.Scheduler.Start(ctx, cfg.Policy.ReloadInterval)
		defer cancel()
		logger.Info("background policy reload enabled", "interval", cfg.Policy.ReloadInterval)
	}

	sighup := contentgate.WatchSIGHUP(engine.Store, logger)
	defer sighup.Cancel()

	if cfg.Policy.WatchCacheFile && cfg.Policy.CacheFile != "" {
		w, err := contentgate.WatchFile(engine.Store, cfg.Policy.CacheFile, logger)
		if err != nil {
			logger.Warn("cache file watch disabled", "path", cfg.Policy.CacheFile, "error", err)
		} else {
			defer w.Cancel()
		}
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		if health != nil {
			health.SetReady(false)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proxy.Shutdown(shutdownCtx)
	}()

	if health != nil {
		health.SetAlive(true)
		health.SetReady(true)
	}

	logger.Info("starting proxy", "addr", cfg.Server.Addr, "settings", cfg.Settings.BaseURL)
	logger.Info("configure your HTTP proxy to use this address")

	err = proxy.ListenAndServe()
	engine.Scheduler.Wait()
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}

func newCheckHostCmd(opts *rootOptions) *cobra.Command {
	var bodyFile, contentType string

	cmd := &cobra.Command{
		Use:   "check-host <host>",
		Short: "Load the policy once and print the decision for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			engine, err := cfg.BuildEngine(logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			snap := engine.Store.Reload(ctx)

			ex := &contentgate.Exchange{Request: contentgate.ExchangeRequest{Host: args[0]}}
			if bodyFile != "" {
				// #nosec G304 -- path is a CLI argument.
				body, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("read body: %w", err)
				}
				ex.Response = &contentgate.ExchangeResponse{
					StatusCode: 200,
					Header:     map[string][]string{"Content-Type": {contentType}},
					Body:       body,
				}
			}
			d := engine.Process(ctx, ex)

			out := struct {
				Host     string                 `json:"host"`
				Source   contentgate.SourceKind `json:"source"`
				Stage    string                 `json:"stage"`
				Decision contentgate.Decision   `json:"decision"`
			}{args[0], snap.Source, ex.Stage, d}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&bodyFile, "body", "", "file whose content is scanned as the response body")
	cmd.Flags().StringVar(&contentType, "content-type", "text/html", "content type of --body")
	return cmd
}

func newGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config [path]",
		Short: "Write an example config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "contentgate.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := contentgate.WriteExampleConfig(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", path)
			return nil
		},
	}
}

func newPrintBlockPageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-block-page",
		Short: "Print the default warning page template",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), contentgate.DefaultWarningPageHTML)
		},
	}
}
