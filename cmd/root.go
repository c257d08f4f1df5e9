// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/observability"
	"github.com/xkilldash9x/autoapply/internal/service"
)

const (
	envPrefix      = "AUTOAPPLY"
	defaultEnvFile = ".env"
	homeConfigDir  = ".autoapply"
)

// flagBindings maps command line flags onto their configuration keys. A flag
// only overrides the config file and environment when it is set explicitly.
var flagBindings = map[string]string{
	"concurrency":  "engine.worker_concurrency",
	"max-attempts": "engine.max_attempts",
	"database-url": "database.url",
	"headless":     "browser.headless",
}

// migrator is the part of the Postgres store the migrate command needs.
type migrator interface {
	Migrate(ctx context.Context) error
	Close() error
}

// app holds what every subcommand shares once PersistentPreRunE has run.
// The constructor fields are replaced in tests.
type app struct {
	cfgFile string
	envFile string
	cfg     config.Interface

	factory      service.ComponentFactory
	openStore    func(ctx context.Context, cfg config.DatabaseConfig, kind string, logger *zap.Logger) (schemas.Store, error)
	openMigrator func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (migrator, error)
}

func newApp() *app {
	return &app{
		factory:   service.NewComponentFactory(),
		openStore: service.InitializeStore,
		openMigrator: func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (migrator, error) {
			pg, err := service.InitializePostgres(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			return pg, nil
		},
	}
}

// NewRootCommand builds a fresh command tree. Each call returns an
// independent instance so flags never leak between executions.
func NewRootCommand() *cobra.Command {
	return newRootCommand(newApp())
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "autoapply",
		Short:         "autoapply submits job applications with a headless browser and a vision oracle.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.autoapply/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file loaded before configuration (default is ./.env)")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection URL. (Overrides config/env)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newApplyCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newMigrateCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	// The logger may not exist yet when flag or argument validation failed.
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Aborted.")
		return err
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	return err
}

// initialize loads the environment and configuration, then the logger.
func (a *app) initialize(cmd *cobra.Command) error {
	if err := loadEnvFile(a.envFile); err != nil {
		return err
	}

	v := viper.New()
	config.SetDefaults(v)
	if err := readConfigFile(v, a.cfgFile); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagBindings {
		if flag := cmd.Flags().Lookup(name); flag != nil && flag.Changed {
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("failed to bind flag --%s: %w", name, err)
			}
		}
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		// Keep errors visible even though the configured logger never came up.
		observability.Initialize(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "autoapply"}, zapcore.Lock(os.Stderr))
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	// stdout is reserved for command output.
	observability.Initialize(cfg.Logger(), zapcore.Lock(os.Stderr))
	observability.GetLogger().Debug("Starting autoapply",
		zap.String("version", Version),
		zap.String("command", cmd.Name()),
		zap.String("config_file", v.ConfigFileUsed()),
	)
	return nil
}

// loadEnvFile exports the variables of a dotenv file without overriding the
// real environment. A missing default file is not an error.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading env file %s: %w", path, err)
	}
	return nil
}

func readConfigFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		expanded, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("invalid config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, homeConfigDir))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}
	return nil
}

// openPostgresStore opens the durable store used by the commands that
// inspect workflows started elsewhere.
func (a *app) openPostgresStore(ctx context.Context, logger *zap.Logger) (schemas.Store, error) {
	return a.openStore(ctx, a.cfg.Database(), service.StorePostgres, logger)
}

// nopNotifier satisfies orchestrator.Notifier for commands that never run
// the engine.
type nopNotifier struct{}

func (nopNotifier) Notify() {}
