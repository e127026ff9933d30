// Package config loads the capture service's configuration from a plain
// key=value file in the user's mongocdc directory. Unknown keys are ignored
// so a newer config file still works against an older binary.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/riverline/mongocdc/internal/encoder"
)

const (
	configFileName = "mongocdc.conf"
	appDirName     = ".mongocdc"
)

// Storage backends for the resume cursor.
const (
	CursorStoreFile  = "file"
	CursorStoreRedis = "redis"
)

type Config struct {
	SourceURI        string
	SourceDatabase   string
	SourceCollection string
	// Pipeline is an extended JSON aggregation pipeline applied to the
	// stream and the snapshot alike.
	Pipeline string

	CopyExisting       bool
	CopyWorkers        int
	CopyQueueDepth     int
	CopyPartitions     int
	CopyNamespaceRegex string

	KeyFormat       string
	ValueFormat     string
	KeySchemaPath   string
	ValueSchemaPath string

	FullDocumentOnly bool

	BatchSize    int
	AwaitTimeout time.Duration

	TolerateHistoryLoss  bool
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	CursorStore    string
	CursorFilePath string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	EmitterAddress string
	EmitterPort    int

	TaskID string
	Debug  bool
}

// Dir returns the path of the mongocdc directory in the user's home directory.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, appDirName), nil
}

// NewConfig loads the config file from the mongocdc directory.
func NewConfig() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(dir, configFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s", configPath)
	}
	return Load(configPath)
}

// Load reads and validates a config file at an explicit path.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := defaults()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := config.set(key, value); err != nil {
			return nil, err
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func defaults() *Config {
	return &Config{
		CopyWorkers:          4,
		CopyQueueDepth:       16000,
		CopyPartitions:       1,
		KeyFormat:            string(encoder.FormatJSON),
		ValueFormat:          string(encoder.FormatJSON),
		BatchSize:            1000,
		AwaitTimeout:         5 * time.Second,
		RetryMaxAttempts:     5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		CursorStore:          CursorStoreFile,
		EmitterAddress:       "127.0.0.1",
		EmitterPort:          8089,
		TaskID:               "default",
	}
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "source.uri":
		c.SourceURI = value
	case "source.database":
		c.SourceDatabase = value
	case "source.collection":
		c.SourceCollection = value
	case "pipeline":
		c.Pipeline = value
	case "copy.existing":
		c.CopyExisting = value == "true"
	case "copy.existing.workers":
		c.CopyWorkers, err = strconv.Atoi(value)
	case "copy.existing.queue_depth":
		c.CopyQueueDepth, err = strconv.Atoi(value)
	case "copy.existing.partitions":
		c.CopyPartitions, err = strconv.Atoi(value)
	case "copy.existing.namespace_regex":
		c.CopyNamespaceRegex = value
	case "output.key.format":
		c.KeyFormat = value
	case "output.value.format":
		c.ValueFormat = value
	case "output.key.schema":
		c.KeySchemaPath = value
	case "output.value.schema":
		c.ValueSchemaPath = value
	case "publish.full_document_only":
		c.FullDocumentOnly = value == "true"
	case "poll.batch_size":
		c.BatchSize, err = strconv.Atoi(value)
	case "poll.await_timeout_ms":
		c.AwaitTimeout, err = millis(value)
	case "resume.tolerate_history_loss":
		c.TolerateHistoryLoss = value == "true"
	case "retry.max_attempts":
		c.RetryMaxAttempts, err = strconv.Atoi(value)
	case "retry.initial_interval_ms":
		c.RetryInitialInterval, err = millis(value)
	case "retry.max_interval_ms":
		c.RetryMaxInterval, err = millis(value)
	case "cursor.store":
		c.CursorStore = value
	case "cursor.file.path":
		c.CursorFilePath = value
	case "cursor.redis.addr":
		c.RedisAddr = value
	case "cursor.redis.password":
		c.RedisPassword = value
	case "cursor.redis.db":
		c.RedisDB, err = strconv.Atoi(value)
	case "emitter.address":
		c.EmitterAddress = value
	case "emitter.port":
		c.EmitterPort, err = strconv.Atoi(value)
	case "task.id":
		c.TaskID = value
	case "debug":
		c.Debug = value == "true"
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

func millis(value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func (c *Config) validate() error {
	var errGrp []error
	if c.SourceURI == "" {
		errGrp = append(errGrp, errors.New("source.uri is required"))
	}
	if c.SourceCollection != "" && c.SourceDatabase == "" {
		errGrp = append(errGrp, errors.New("source.collection requires source.database"))
	}
	if _, err := encoder.ParseFormat(c.KeyFormat); err != nil {
		errGrp = append(errGrp, fmt.Errorf("output.key.format: %w", err))
	}
	if _, err := encoder.ParseFormat(c.ValueFormat); err != nil {
		errGrp = append(errGrp, fmt.Errorf("output.value.format: %w", err))
	}
	if c.KeyFormat == string(encoder.FormatSchema) && c.KeySchemaPath == "" {
		errGrp = append(errGrp, errors.New("output.key.format=schema requires output.key.schema"))
	}
	if c.ValueFormat == string(encoder.FormatSchema) && c.ValueSchemaPath == "" {
		errGrp = append(errGrp, errors.New("output.value.format=schema requires output.value.schema"))
	}
	if c.BatchSize <= 0 {
		errGrp = append(errGrp, errors.New("poll.batch_size must be positive"))
	}
	if c.CopyExisting {
		if c.CopyWorkers <= 0 {
			errGrp = append(errGrp, errors.New("copy.existing.workers must be positive"))
		}
		if c.CopyQueueDepth <= 0 {
			errGrp = append(errGrp, errors.New("copy.existing.queue_depth must be positive"))
		}
		if c.CopyPartitions <= 0 {
			errGrp = append(errGrp, errors.New("copy.existing.partitions must be positive"))
		}
	}
	if c.RetryMaxAttempts <= 0 {
		errGrp = append(errGrp, errors.New("retry.max_attempts must be positive"))
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		errGrp = append(errGrp, errors.New("retry intervals must be positive and ordered"))
	}
	switch c.CursorStore {
	case CursorStoreFile:
	case CursorStoreRedis:
		if c.RedisAddr == "" {
			errGrp = append(errGrp, errors.New("cursor.store=redis requires cursor.redis.addr"))
		}
	default:
		errGrp = append(errGrp, fmt.Errorf("unknown cursor.store: %s", c.CursorStore))
	}
	if c.EmitterPort < 0 || c.EmitterPort > 65535 {
		errGrp = append(errGrp, fmt.Errorf("invalid emitter.port: %d", c.EmitterPort))
	}
	return errors.Join(errGrp...)
}
