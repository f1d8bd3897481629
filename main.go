package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go-face-compare/faceengine"
	"go-face-compare/logging"
	"go-face-compare/redis"

	"github.com/aws/aws-lambda-go/lambda"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`

	Engine EngineConfig `json:"engine"`

	StorageType         string                    `json:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`

	JwtPublicKeyPath string `json:"jwt_public_key_path,omitempty"`

	Warmup WarmupConfig `json:"warmup,omitempty"`
}

type EngineConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type WarmupConfig struct {
	WeightsSource string `json:"weights_source,omitempty"`
	WeightsTarget string `json:"weights_target,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "Path for the config.json to use")
	flag.Parse()

	// The Lambda runtime passes no flags, so the config path may also
	// come from the environment.
	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		fatal("please provide a config path using the --config flag or CONFIG_PATH", nil)
	}

	config, err := readConfigFile(path)
	if err != nil {
		fatal("failed to read config file", err)
	}

	logging.InitLogger(config.LogLevel, config.LogFormat)
	slog.Info("Using config", "path", path)

	if config.Engine.BaseURL == "" {
		fatal("engine.base_url is required", nil)
	}

	warmupWeights(config.Warmup)

	engine := faceengine.NewHTTPClient(config.Engine.BaseURL, time.Duration(config.Engine.TimeoutSeconds)*time.Second)

	storage, err := createEmbeddingStorage(&config)
	if err != nil {
		fatal("failed to instantiate embedding storage", err)
	}

	comparator := NewComparator(engine, storage)

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		slog.Info("Starting in Lambda mode")
		state := NewLambdaState(comparator, os.TempDir())
		lambda.Start(state.Handle)
		return
	}

	state := &ServerState{
		comparator: comparator,
		engine:     engine,
	}

	if config.JwtPublicKeyPath != "" {
		verifier, err := NewJwtVerifier(config.JwtPublicKeyPath)
		if err != nil {
			fatal("failed to instantiate jwt verifier", err)
		}
		state.jwtVerifier = verifier
		slog.Info("Bearer token auth enabled")
	}

	slog.Info("Hosting on", "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)

	server, err := NewServer(state, config.ServerConfig)
	if err != nil {
		fatal("failed to create server", err)
	}

	if err := server.ListenAndServe(); err != nil {
		fatal("failed to listen and serve", err)
	}
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)

	if err != nil {
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(configBytes, &config)

	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func createEmbeddingStorage(config *Config) (EmbeddingStorage, error) {
	switch config.StorageType {
	case "redis":
		slog.Info("Using redis embedding storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisEmbeddingStorage(client, config.RedisConfig.Namespace), nil
	case "redis_sentinel":
		slog.Info("Using redis sentinel embedding storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisEmbeddingStorage(client, config.RedisSentinelConfig.Namespace), nil
	case "memory", "":
		slog.Info("Using in memory embedding storage")
		return NewInMemoryEmbeddingStorage(), nil
	case "none":
		slog.Info("Embedding storage disabled")
		return nil, nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

func warmupWeights(cfg WarmupConfig) {
	source := cfg.WeightsSource
	if source == "" {
		source = DefaultWeightsSource
	}
	target := cfg.WeightsTarget
	if target == "" {
		target = DefaultWeightsTarget
	}
	if _, err := CopyWeights(source, target); err != nil {
		slog.Warn("Weight warmup failed", "error", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
