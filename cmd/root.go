// Package cmd provides the root command and CLI setup for pytx.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pytx.dev/pkg/pytx/internal/adapter"
	"pytx.dev/pkg/pytx/internal/domain"
	m "pytx.dev/pkg/pytx/internal/model"
)

// workDirFlag overrides the project directory the engine runs in.
var workDirFlag string

// noCacheFlag disables the result cache when set.
var noCacheFlag bool

// engineFlag overrides the engine executable ("python -m pytest" when empty).
var engineFlag string

// verboseFlag raises the log level to debug.
var verboseFlag bool

// logFileFlag overrides the log file location.
var logFileFlag string

const rootLongDescription = `pytx orchestrates a pytest suite for AI-assistant tooling: it resolves
test selections, runs them through pytest, parses the output into a
structured result model, caches results by selection and source
fingerprints, and tracks per-test history for rerun and flakiness
analysis.

The serve command exposes the orchestrator as MCP tools; list and run
offer the same operations for terminal use.`

const serveLongDescription = `Start the MCP server exposing the orchestration tools.

By default the server speaks the stdio transport for direct use by an
assistant client. With --sse it serves SSE over HTTP instead, with
prometheus metrics on /metrics.`

const listLongDescription = `Resolve a test selection and list the matching node ids without
executing any test bodies.`

const runLongDescription = `Resolve a test selection, execute it through the scheduler and print
the aggregate result. Cached results are served without spawning the
engine; --no-cache forces a fresh run.`

// rootCmd represents the base command when called without any subcommands.
var rootCmd = baseRootCmd()

func baseRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pytx",
		Short: "pytest execution orchestrator and result cache",
		Long:  rootLongDescription,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
}

func init() {
	configureRootFlags(rootCmd)
}

func configureRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&workDirFlag, workDirFlagName, "C",
		viper.GetString(workDirConfigKey), "project directory the engine runs in")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(workDirFlagName), workDirConfigKey)

	cmd.PersistentFlags().BoolVar(&noCacheFlag, noCacheFlagName, false,
		"bypass the result cache (always run the engine)")

	cmd.PersistentFlags().StringVar(&engineFlag, engineFlagName,
		viper.GetString(engineConfigKey), "engine executable (default: python -m pytest)")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(engineFlagName), engineConfigKey)

	cmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log at debug level")
	cmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "log file location")
}

// bindFlagToConfig wires a Cobra flag to a Viper key so config/env values feed the flag.
func bindFlagToConfig(flag *pflag.Flag, key string) {
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}

	cobra.CheckErr(viper.BindPFlag(key, flag))
}

// orchestrator holds the wired service facade.
type orchestrator struct {
	service *domain.Service
}

// buildOrchestrator wires the engine adapter, stores and facade from
// the effective configuration. The returned cleanup persists state and
// releases the history log.
func buildOrchestrator(version string) (*orchestrator, func(), error) {
	configureLogger(logFileFlag, verboseFlag)

	workDir := viper.GetString(workDirConfigKey)
	stateDir := filepath.Join(workDir, viper.GetString(stateDirConfigKey))
	persist := viper.GetBool(persistConfigKey)

	var engine adapter.EngineAdapter
	if executable := viper.GetString(engineConfigKey); executable != "" {
		engine = adapter.NewEngineAdapterWithExecutable(executable, workDir)
	} else {
		engine = adapter.NewLocalEngineAdapter(workDir)
	}

	cache := domain.NewResultCache(viper.GetInt(cacheSizeConfigKey))
	impact := domain.NewImpactAnalyzer(workDir)

	jsonStore := adapter.NewJSONSnapshotStore()
	yamlStore := adapter.NewYAMLSnapshotStore()

	cachePath := filepath.Join(stateDir, "cache.json")
	impactPath := filepath.Join(stateDir, "impact.yaml")
	historyPath := filepath.Join(stateDir, "history.jsonl")

	var (
		history *domain.HistoryStore
		err     error
	)

	if persist {
		cache.Restore(jsonStore, cachePath, workDir)
		impact.Restore(yamlStore, impactPath)

		history, err = domain.NewPersistentHistoryStore(historyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open history store: %w", err)
		}
	} else {
		history = domain.NewHistoryStore()
	}

	selector := domain.NewSelector(engine, workDir)
	scheduler := domain.NewScheduler(engine, cache, history, impact, workDir,
		viper.GetInt64(parallelConfigKey))
	service := domain.NewService(selector, scheduler, history, impact, version)

	cleanup := func() {
		if persist {
			if err := cache.Snapshot(jsonStore, cachePath); err != nil {
				slog.Error("failed to persist cache snapshot", "path", cachePath, "error", err)
			}

			if err := impact.Snapshot(yamlStore, impactPath); err != nil {
				slog.Error("failed to persist impact snapshot", "path", impactPath, "error", err)
			}
		}

		if err := history.Close(); err != nil {
			slog.Error("failed to close history store", "error", err)
		}
	}

	return &orchestrator{service: service}, cleanup, nil
}

// execOptionsFromConfig builds the default execution options from the
// effective configuration. Timeouts and TTLs are configured in seconds.
func execOptionsFromConfig() domain.ExecOptions {
	return domain.ExecOptions{
		Timeout:        time.Duration(viper.GetInt64(timeoutConfigKey)) * time.Second,
		MaxFailures:    viper.GetInt(maxFailuresConfigKey),
		TracebackStyle: m.FailureStyle(viper.GetString(tracebackConfigKey)),
		CacheTTL:       time.Duration(viper.GetInt64(cacheTTLConfigKey)) * time.Second,
		NoCache:        noCacheFlag,
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
