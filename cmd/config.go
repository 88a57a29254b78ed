package cmd

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	configVersionKey     = "version"
	currentConfigVersion = 1

	configBaseName   = "pytx"
	configFileName   = configBaseName + ".yaml"
	configFolderPath = "."

	workDirFlagName     = "workdir"
	noCacheFlagName     = "no-cache"
	engineFlagName      = "engine"
	timeoutFlagName     = "timeout"
	maxFailuresFlagName = "max-failures"
	tracebackFlagName   = "traceback"
	coverageFlagName    = "coverage"

	workDirConfigKey     = "engine.workdir"
	engineConfigKey      = "engine.executable"
	parallelConfigKey    = "run.parallel"
	timeoutConfigKey     = "run.timeout"
	maxFailuresConfigKey = "run.max_failures"
	tracebackConfigKey   = "run.traceback"
	cacheTTLConfigKey    = "cache.ttl"
	cacheSizeConfigKey   = "cache.size"
	stateDirConfigKey    = "state.dir"
	persistConfigKey     = "state.persist"

	serveHostConfigKey    = "serve.host"
	servePortConfigKey    = "serve.port"
	serveSSEConfigKey     = "serve.sse"
	serveMetricsConfigKey = "serve.metrics_port"

	defaultRunTimeout = 5 * time.Minute
	defaultCacheTTL   = 15 * time.Minute
	defaultCacheSize  = 64
	defaultParallel   = 2
	defaultStateDir   = ".pytx"
	defaultTraceback  = "short"
	defaultServeHost  = "127.0.0.1"
	defaultServePort  = 8734

	envPrefix = "PYTX"

	logFilenameKey   = "log.filename"
	logLevelKey      = "log.level"
	logVerboseKey    = "log.verbose"
	logMaxSizeKey    = "log.max_size"
	logMaxBackupsKey = "log.max_backups"
	logMaxAgeKey     = "log.max_age"
	logCompressKey   = "log.compress"

	defaultLogFilename   = ".pytx.log"
	defaultLogLevel      = int(slog.LevelInfo)
	defaultLogVerbose    = false
	defaultLogMaxSize    = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAge     = 28
	defaultLogCompress   = true
)

var globalLogger *slog.Logger

func init() {
	viper.SetConfigName(configBaseName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configFolderPath)
	viper.SetConfigFile(filepath.Join(configFolderPath, configFileName))
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.SetDefault(configVersionKey, currentConfigVersion)
	viper.SetDefault(workDirConfigKey, ".")
	viper.SetDefault(engineConfigKey, "")
	viper.SetDefault(parallelConfigKey, defaultParallel)
	viper.SetDefault(timeoutConfigKey, int64(defaultRunTimeout.Seconds()))
	viper.SetDefault(maxFailuresConfigKey, 0)
	viper.SetDefault(tracebackConfigKey, defaultTraceback)
	viper.SetDefault(cacheTTLConfigKey, int64(defaultCacheTTL.Seconds()))
	viper.SetDefault(cacheSizeConfigKey, defaultCacheSize)
	viper.SetDefault(stateDirConfigKey, defaultStateDir)
	viper.SetDefault(persistConfigKey, true)
	viper.SetDefault(serveHostConfigKey, defaultServeHost)
	viper.SetDefault(servePortConfigKey, defaultServePort)
	viper.SetDefault(serveSSEConfigKey, false)
	viper.SetDefault(serveMetricsConfigKey, 0)

	// Logging defaults (used by config/env and as fallbacks for flags).
	viper.SetDefault(logFilenameKey, defaultLogFilename)
	viper.SetDefault(logLevelKey, defaultLogLevel)
	viper.SetDefault(logVerboseKey, defaultLogVerbose)
	viper.SetDefault(logMaxSizeKey, defaultLogMaxSize)
	viper.SetDefault(logMaxBackupsKey, defaultLogMaxBackups)
	viper.SetDefault(logMaxAgeKey, defaultLogMaxAge)
	viper.SetDefault(logCompressKey, defaultLogCompress)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return
		}

		return
	}
}

func parseSlogLevel(value string, defaultLevel slog.Level) slog.Level {
	level := strings.ToLower(strings.TrimSpace(value))
	if level == "" {
		return defaultLevel
	}

	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	// Allow numeric slog levels as well (e.g. -4 for debug).
	if n, err := strconv.Atoi(level); err == nil {
		return slog.Level(n)
	}

	return defaultLevel
}

// configureLogger configures the global slog logger.
//
// The MCP stdio transport owns stdout, so logs always go to a rotating
// file. By default it logs at Info; if verbose is true it logs at
// Debug.
func configureLogger(logPath string, verbose bool) {
	if strings.TrimSpace(logPath) == "" {
		logPath = viper.GetString(logFilenameKey)
	}

	if strings.TrimSpace(logPath) == "" {
		logPath = defaultLogFilename
	}

	var logLevel slog.Level
	if verbose {
		logLevel = slog.LevelDebug
	} else {
		logLevel = parseSlogLevel(viper.GetString(logLevelKey), slog.LevelInfo)
	}

	logWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    viper.GetInt(logMaxSizeKey),
		MaxBackups: viper.GetInt(logMaxBackupsKey),
		MaxAge:     viper.GetInt(logMaxAgeKey),
		Compress:   viper.GetBool(logCompressKey),
	}

	handler := slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	})

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
}
