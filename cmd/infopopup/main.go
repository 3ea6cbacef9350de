package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuihairu/infopopup/internal/audit/chain"
	"github.com/cuihairu/infopopup/internal/auth/rbac"
	"github.com/cuihairu/infopopup/internal/auth/token"
	"github.com/cuihairu/infopopup/internal/cli/common"
	"github.com/cuihairu/infopopup/internal/messages"
	"github.com/cuihairu/infopopup/internal/objstore"
	"github.com/cuihairu/infopopup/internal/pluginconf"
	"github.com/cuihairu/infopopup/internal/seen"
	httpserver "github.com/cuihairu/infopopup/internal/server/http"
	"github.com/cuihairu/infopopup/internal/telemetry"
	"github.com/cuihairu/infopopup/internal/validation"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "infopopup",
		Short:         "Admin broadcast popup service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (yaml)")
	root.PersistentFlags().StringSlice("include", nil, "additional config files merged in order")
	root.PersistentFlags().String("profile", "", "profile under popup.profiles to overlay")
	root.AddCommand(serveCmd(), tokenCmd(), auditCmd(), validateCmd())
	if err := root.Execute(); err != nil {
		slog.Error("infopopup exit", "error", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective viper view: file + includes, the optional
// popup section and profile, then env (INFOPOPUP_*) and flags on top.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	includes, _ := cmd.Flags().GetStringSlice("include")
	profile, _ := cmd.Flags().GetString("profile")

	v, err := common.LoadWithIncludes(cfgFile, includes)
	if err != nil {
		return nil, err
	}
	v, err = common.ApplySectionAndProfile(v, "popup", profile)
	if err != nil {
		return nil, err
	}
	v.SetEnvPrefix("INFOPOPUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	common.MergeLogSection(v)
	common.SetupLoggerWithFile(
		v.GetString("log.level"),
		v.GetString("log.format"),
		v.GetString("log.file"),
		v.GetInt("log.max_size"),
		v.GetInt("log.max_backups"),
		v.GetInt("log.max_age"),
		v.GetBool("log.compress"),
	)
	return v, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the popup HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			common.SetupLoggerWithFile("info", "console", "", 0, 0, 0, false)
			v, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := common.ValidateServerConfig(v, v.GetBool("strict")); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), v)
		},
	}
	f := cmd.Flags()
	f.String("http_addr", ":8080", "http listen address")
	f.String("base_path", httpserver.DefaultBasePath, "route prefix")
	f.String("jwt_secret", "dev-secret", "HS256 secret for bearer tokens")
	f.String("rbac_policy", "", "casbin policy csv (empty uses built-in admin grant)")
	f.Bool("strict", false, "reject development defaults")
	f.String("config.driver", "file", "message config store: file|db")
	f.String("config.path", "configs/infopopup.yaml", "plugin configuration file for the file driver")
	f.String("config.name", "infopopup", "configuration row name for the db driver")
	f.Bool("config.watch", true, "reload the configuration file on change")
	f.Duration("config.refresh", 0, "refetch the configuration on this interval (0 disables; SIGHUP always refetches)")
	f.String("db.driver", "auto", "database driver: postgres|mysql|sqlite|auto")
	f.String("db.dsn", "", "database DSN")
	f.String("ledger.driver", "file", "seen ledger storage: file|blob|s3|oss|cos|redis")
	f.String("ledger.key", seen.DefaultKey, "object key of the seen ledger")
	f.String("ledger.base_dir", "data", "base directory for the file driver")
	f.String("ledger.url", "", "bucket url for the blob driver (s3://, file://, mem://)")
	f.String("ledger.bucket", "", "bucket name")
	f.String("ledger.region", "", "bucket region")
	f.String("ledger.endpoint", "", "object storage endpoint")
	f.String("ledger.access_key", "", "object storage access key")
	f.String("ledger.secret_key", "", "object storage secret key")
	f.Bool("ledger.force_path_style", false, "use path-style s3 urls")
	f.String("ledger.redis_addr", "", "redis address for the redis driver")
	f.String("ledger.redis_password", "", "redis password")
	f.Int("ledger.redis_db", 0, "redis database")
	f.String("audit.path", "logs/audit.log", "hash-chained audit log")
	f.Bool("telemetry.enable_tracing", false, "export traces over otlp http")
	f.Bool("telemetry.enable_metrics", false, "export metrics over otlp http")
	f.String("telemetry.collector_url", "localhost:4318", "otlp http collector host:port")
	f.Float64("telemetry.sampling_ratio", 1, "trace sampling ratio")
	f.String("telemetry.environment", "development", "deployment environment")
	f.String("log.level", "info", "log level: debug|info|warn|error")
	f.String("log.format", "console", "log format: console|json")
	f.String("log.file", "", "log file path (rotating); empty logs to stderr")
	f.Int("log.max_size", 100, "max size in MB before rotation")
	f.Int("log.max_backups", 7, "max rotated files to keep")
	f.Int("log.max_age", 7, "max age in days")
	f.Bool("log.compress", false, "compress rotated files")
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := slog.Default()

	store, err := pluginconf.Open(pluginconf.Settings{
		Driver:   v.GetString("config.driver"),
		Path:     v.GetString("config.path"),
		Name:     v.GetString("config.name"),
		DBDriver: v.GetString("db.driver"),
		DSN:      v.GetString("db.dsn"),
	}, logger)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}
	if fs, ok := store.(*pluginconf.FileStore); ok && v.GetBool("config.watch") {
		rl, err := pluginconf.Watch(ctx, fs, logger)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer rl.Stop()
		}
	}
	// SIGHUP (and config.refresh for the db driver) refetches the document
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	reload := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("reloading configuration", "signal", "SIGHUP")
				select {
				case reload <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	go pluginconf.Refresh(ctx, store, v.GetDuration("config.refresh"), reload, logger)
	repo := messages.NewRepository(store, messages.WithLogger(logger))

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    "infopopup",
		ServiceVersion: version,
		Environment:    v.GetString("telemetry.environment"),
		CollectorURL:   v.GetString("telemetry.collector_url"),
		EnableTracing:  v.GetBool("telemetry.enable_tracing"),
		EnableMetrics:  v.GetBool("telemetry.enable_metrics"),
		SamplingRatio:  v.GetFloat64("telemetry.sampling_ratio"),
	}, logger)
	if err != nil {
		return err
	}

	obj, err := objstore.Open(ctx, objstore.Config{
		Driver:         v.GetString("ledger.driver"),
		Bucket:         v.GetString("ledger.bucket"),
		Region:         v.GetString("ledger.region"),
		Endpoint:       v.GetString("ledger.endpoint"),
		AccessKey:      v.GetString("ledger.access_key"),
		SecretKey:      v.GetString("ledger.secret_key"),
		ForcePathStyle: v.GetBool("ledger.force_path_style"),
		BaseDir:        v.GetString("ledger.base_dir"),
		URL:            v.GetString("ledger.url"),
		RedisAddr:      v.GetString("ledger.redis_addr"),
		RedisPassword:  v.GetString("ledger.redis_password"),
		RedisDB:        v.GetInt("ledger.redis_db"),
	})
	if err != nil {
		return fmt.Errorf("open ledger storage: %w", err)
	}
	defer obj.Close()
	ledger := seen.New(obj,
		seen.WithKey(v.GetString("ledger.key")),
		seen.WithLogger(logger),
		seen.WithObserver(tel.Metrics),
	)
	if err := ledger.Init(ctx); err != nil {
		// the ledger retries lazily on first access
		logger.Warn("seen ledger init failed", "error", err)
	}

	policy, err := rbac.NewCasbinPolicy(v.GetString("rbac_policy"))
	if err != nil {
		return fmt.Errorf("load rbac policy: %w", err)
	}
	aw, err := chain.NewWriter(v.GetString("audit.path"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer aw.Close()

	srv, err := httpserver.NewServer(httpserver.Config{
		Repo:      repo,
		Ledger:    ledger,
		Tokens:    token.NewManager(v.GetString("jwt_secret")),
		Policy:    policy,
		Audit:     aw,
		Telemetry: tel,
		BasePath:  v.GetString("base_path"),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(v.GetString("http_addr")) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	}
	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := tel.Shutdown(shCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			user := strings.TrimSpace(v.GetString("user"))
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			tok, err := token.NewManager(v.GetString("jwt_secret")).Sign(user, v.GetStringSlice("role"), v.GetDuration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (token subject)")
	cmd.Flags().StringSlice("role", nil, "roles, e.g. admin")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt_secret", "dev-secret", "HS256 secret")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Audit log tools"}
	verify := &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify the audit hash chain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "logs/audit.log"
			if len(args) == 1 {
				path = args[0]
			}
			n, err := chain.Verify(path)
			if err != nil {
				return fmt.Errorf("audit chain broken after %d entries: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entries\n", n)
			return nil
		},
	}
	cmd.AddCommand(verify)
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check plugin configuration files (yaml or json) against the message schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed int
			for _, path := range args {
				b, err := os.ReadFile(path)
				if err == nil {
					if strings.HasSuffix(strings.ToLower(path), ".json") {
						err = validation.ValidateConfigJSON(b)
					} else {
						_, err = pluginconf.DecodeYAML(b)
					}
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}
}
