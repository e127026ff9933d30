package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverline/mongocdc/internal/app"
	"github.com/riverline/mongocdc/internal/config"
	"github.com/riverline/mongocdc/internal/coordinator"
	"github.com/riverline/mongocdc/internal/cursor"
	"github.com/riverline/mongocdc/internal/emitter"
	"github.com/riverline/mongocdc/internal/encoder"
	"github.com/riverline/mongocdc/internal/namespace"
	"github.com/riverline/mongocdc/internal/pipeline"
	"github.com/riverline/mongocdc/internal/relay"
	"github.com/riverline/mongocdc/internal/source"
	"github.com/riverline/mongocdc/internal/watcher"
)

func main() {
	application, err := initialize()
	if err != nil {
		panic(err)
	}

	if err = application.Run(context.Background()); err != nil {
		panic(err)
	}
}

func initialize() (*app.App, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := source.NewMongoClient(ctx, &source.MongoConfig{
		URI:            cfg.SourceURI,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	enc, err := buildEncoder(cfg)
	if err != nil {
		return nil, err
	}

	coordCfg := &coordinator.Config{
		Client:  client,
		Store:   store,
		Encoder: enc,
		TaskID:  cfg.TaskID,
		Scope: namespace.Namespace{
			Database:   cfg.SourceDatabase,
			Collection: cfg.SourceCollection,
		},
		CopyExisting:        cfg.CopyExisting,
		CopyWorkers:         cfg.CopyWorkers,
		CopyQueueDepth:      cfg.CopyQueueDepth,
		CopyPartitions:      cfg.CopyPartitions,
		BatchSize:           int32(cfg.BatchSize),
		MaxAwait:            cfg.AwaitTimeout,
		FullDocumentOnly:    cfg.FullDocumentOnly,
		TolerateHistoryLoss: cfg.TolerateHistoryLoss,
		Retry: watcher.RetryPolicy{
			MaxAttempts:     cfg.RetryMaxAttempts,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		},
	}
	if cfg.Pipeline != "" {
		coordCfg.Pipeline, err = pipeline.Parse(cfg.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("invalid pipeline: %w", err)
		}
	}
	if cfg.CopyNamespaceRegex != "" {
		coordCfg.CopyMatcher, err = namespace.NewMatcher(cfg.CopyNamespaceRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid copy.existing.namespace_regex: %w", err)
		}
	}

	coord, err := coordinator.New(coordCfg)
	if err != nil {
		return nil, err
	}

	recordEmitter, err := emitter.New(&emitter.Config{
		Address: cfg.EmitterAddress,
		Port:    cfg.EmitterPort,
	})
	if err != nil {
		return nil, err
	}

	captureRelay, err := relay.New(&relay.Config{
		Coordinator: coord,
		Sink:        recordEmitter,
	})
	if err != nil {
		return nil, err
	}

	return app.CreateApp(&app.Config{
		ServiceName: "MongoCDC",
		StopTimeout: 30 * time.Second,
	}, captureRelay, recordEmitter)
}

func buildStore(cfg *config.Config) (cursor.Store, error) {
	if cfg.CursorStore == config.CursorStoreRedis {
		return cursor.NewRedisStore(&cursor.RedisStoreConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	path := cfg.CursorFilePath
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		path = dir
	}
	return cursor.NewFileStore(&cursor.FileStoreConfig{Path: path})
}

func buildEncoder(cfg *config.Config) (*encoder.Encoder, error) {
	encCfg := &encoder.Config{
		KeyFormat:        encoder.Format(cfg.KeyFormat),
		ValueFormat:      encoder.Format(cfg.ValueFormat),
		FullDocumentOnly: cfg.FullDocumentOnly,
	}

	var err error
	if cfg.KeySchemaPath != "" {
		encCfg.KeySchema, err = os.ReadFile(cfg.KeySchemaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key schema: %w", err)
		}
	}
	if cfg.ValueSchemaPath != "" {
		encCfg.ValueSchema, err = os.ReadFile(cfg.ValueSchemaPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read value schema: %w", err)
		}
	}
	return encoder.New(encCfg)
}
