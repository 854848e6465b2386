// Command noderouterd runs the capability router as a standalone daemon:
// registry, routing core, intent analyzer, approval gate, async pipeline,
// and stream front end, all exposed over the HTTP surface in package
// server.
package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/noderouter/noderouter/async"
	"github.com/noderouter/noderouter/intent"
	"github.com/noderouter/noderouter/runtime"
	"github.com/noderouter/noderouter/server"
	"github.com/noderouter/noderouter/stream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	logger := initLogger(getenv("LOG_FORMAT", "json"), getenv("LOG_LEVEL", "info"))
	defer logger.Sync()

	fileCfg, err := loadFileConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("failed to load config file", zap.Error(err))
	}

	cfg := loadConfig(fileCfg)

	rt, err := runtime.New(cfg, resolveControlPlane(fileCfg, logger), logger)
	if err != nil {
		logger.Fatal("failed to build runtime", zap.Error(err))
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	streamHandler := stream.NewHandler(rt.Stream, logger)

	opts := server.DefaultOptions()
	opts.JWT = server.JWTConfig{Secret: firstNonEmpty(os.Getenv("JWT_SECRET"), fileCfg.JWTSecret, "")}

	listenAddr := firstNonEmpty(os.Getenv("LISTEN_ADDR"), fileCfg.ListenAddr, ":8080")
	handler := server.NewHandler(ctx, rt, streamHandler, opts, logger)
	mgr := server.NewManager(handler, server.DefaultManagerConfig(listenAddr), logger)

	if err := mgr.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	logger.Info("noderouterd started", zap.String("addr", listenAddr))

	if err := mgr.WaitForShutdown(context.Background()); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("noderouterd stopped")
}

// loadConfig resolves settings in the teacher's config.Loader order:
// defaults -> YAML file (fc) -> environment variables, the last one wins.
func loadConfig(fc *fileConfig) runtime.Config {
	dataRoot := firstNonEmpty(os.Getenv("DATA_ROOT"), fc.DataRoot, "./data")
	libraryRoot := firstNonEmpty(os.Getenv("LIBRARY_ROOT"), fc.LibraryRoot, "./library")
	registrationToken := firstNonEmpty(os.Getenv("REGISTRATION_TOKEN"), fc.RegistrationToken, "")

	cfg := runtime.DefaultConfig(dataRoot, libraryRoot, registrationToken)
	cfg.UserConfigPath = firstNonEmpty(os.Getenv("USER_CONFIG_PATH"), fc.UserConfigPath, "")
	cfg.Getenv = os.Getenv

	cfg.RegistryConfig.HeartbeatTTL = envOrFileSeconds("HEARTBEAT_TTL_SEC", fc.HeartbeatTTLSec, 15)
	cfg.RouterConfig.NodeTimeout = envOrFileSeconds("NODE_TIMEOUT_SEC", fc.NodeTimeoutSec, 3)
	cfg.RouterConfig.LibraryRoot = libraryRoot
	cfg.RouterConfig.ModelTimeout = envOrFileSeconds("MODEL_TIMEOUT_SEC", fc.ModelTimeoutSec, 30)

	cfg.AsyncConfig = async.DefaultConfig()
	if n := envOrFileInt("MAX_ATTEMPTS", fc.MaxAttempts, 0); n > 0 {
		cfg.AsyncConfig.MaxAttempts = n
	}

	cfg.IntentConfig = intent.DefaultConfig()
	cfg.StreamConfig = stream.DefaultConfig()
	if n := envOrFileInt("ASYNC_FALLBACK_MIN_CHARS", fc.AsyncFallbackMinChars, 0); n > 0 {
		cfg.StreamConfig.MinCharsThreshold = n
	}
	cfg.StreamConfig.StatusURLPrefix = "/status/"
	cfg.StreamConfig.ReplayURLPrefix = "/replay/"
	cfg.AsyncConfig.StatusURLPrefix = cfg.StreamConfig.StatusURLPrefix
	cfg.AsyncConfig.ReplayURLPrefix = cfg.StreamConfig.ReplayURLPrefix

	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrFileInt(key string, fileValue, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return fallback
}

func envOrFileSeconds(key string, fileValue, fallbackSeconds int) time.Duration {
	return time.Duration(envOrFileInt(key, fileValue, fallbackSeconds)) * time.Second
}

// resolveControlPlane picks the Redis-backed control plane when REDIS_ADDR
// is set, mirroring the teacher's memory/file/redis persistence.StoreType
// selection, otherwise falls back to an in-process control plane.
func resolveControlPlane(fc *fileConfig, logger *zap.Logger) async.ControlPlane {
	addr := firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Redis.Addr, "")
	if addr == "" {
		logger.Info("REDIS_ADDR not set, using in-memory async control plane")
		return async.NewMemoryControlPlane()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: firstNonEmpty(os.Getenv("REDIS_PASSWORD"), fc.Redis.Password, ""),
		DB:       envOrFileInt("REDIS_DB", fc.Redis.DB, 0),
	})
	ttl := envOrFileSeconds("ASYNC_STATUS_TTL_SEC", fc.AsyncStatusTTLSec, 24*60*60)
	return async.NewRedisControlPlane(client, "bdp:", ttl)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func initLogger(format, level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	encoding := "json"
	if format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
