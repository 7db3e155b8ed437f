package server

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/journalkit/blobsync/synccache"
)

// Config represents the server configuration
type Config struct {
	Server struct {
		HTTPPort int `yaml:"http_port"`
		GRPCPort int `yaml:"grpc_port"`
	} `yaml:"server"`
	Storage struct {
		Driver string `yaml:"driver"` // "s3" or "dynamodb"
	} `yaml:"storage"`
	AWS struct {
		Region string `yaml:"region"`
		S3     struct {
			BucketName string `yaml:"bucket_name"`
			KeyPrefix  string `yaml:"key_prefix"`
		} `yaml:"s3"`
		DynamoDB struct {
			BlobsTable string `yaml:"blobs_table"`
		} `yaml:"dynamodb"`
		ElastiCache struct {
			Address string `yaml:"address"`
			TTL     int    `yaml:"ttl"`
		} `yaml:"elasticache"`
	} `yaml:"aws"`
	Sync struct {
		DebounceIntervalMs int  `yaml:"debounce_interval_ms"`
		RetryBackoffMs     int  `yaml:"retry_backoff_ms"`
		ReadTimeoutMs      int  `yaml:"read_timeout_ms"`
		WriteTimeoutMs     int  `yaml:"write_timeout_ms"`
		FailureThreshold   int  `yaml:"failure_threshold"`
		DisableReadRepair  bool `yaml:"disable_read_repair"`
		ShutdownDrainMs    int  `yaml:"shutdown_drain_ms"`
	} `yaml:"sync"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the file
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	// Parse the YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	// Set defaults
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.GRPCPort == 0 {
		config.Server.GRPCPort = 8081
	}
	if config.Storage.Driver == "" {
		config.Storage.Driver = "s3"
	}
	if config.AWS.Region == "" {
		config.AWS.Region = "us-west-2"
	}
	if config.AWS.S3.BucketName == "" {
		config.AWS.S3.BucketName = "blobsync-blobs"
	}
	if config.AWS.DynamoDB.BlobsTable == "" {
		config.AWS.DynamoDB.BlobsTable = "blobsync-blobs"
	}
	if config.AWS.ElastiCache.TTL == 0 {
		config.AWS.ElastiCache.TTL = 3600
	}
	if config.Sync.DebounceIntervalMs == 0 {
		config.Sync.DebounceIntervalMs = 1000
	}
	if config.Sync.RetryBackoffMs == 0 {
		config.Sync.RetryBackoffMs = 500
	}
	if config.Sync.ReadTimeoutMs == 0 {
		config.Sync.ReadTimeoutMs = 5000
	}
	if config.Sync.WriteTimeoutMs == 0 {
		config.Sync.WriteTimeoutMs = 10000
	}
	if config.Sync.FailureThreshold == 0 {
		config.Sync.FailureThreshold = 3
	}
	if config.Sync.ShutdownDrainMs == 0 {
		config.Sync.ShutdownDrainMs = 5000
	}

	return &config, nil
}

// SyncOptions maps the sync section onto synccache.Options.
func (c *Config) SyncOptions() synccache.Options {
	return synccache.Options{
		DebounceInterval:  time.Duration(c.Sync.DebounceIntervalMs) * time.Millisecond,
		RetryBackoff:      time.Duration(c.Sync.RetryBackoffMs) * time.Millisecond,
		ReadTimeout:       time.Duration(c.Sync.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(c.Sync.WriteTimeoutMs) * time.Millisecond,
		FailureThreshold:  c.Sync.FailureThreshold,
		DisableReadRepair: c.Sync.DisableReadRepair,
	}
}
