package driver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Container defines the operations the migration engine needs from a document-store container
type Container interface {
	// Count returns the number of records currently in the container
	Count(ctx context.Context) (int64, error)

	// ReadAll streams every record, fetching pageSize records per round trip.
	// The stream is finite and not restartable; ordering is unspecified.
	ReadAll(ctx context.Context, pageSize int) (<-chan Record, <-chan error)

	// Exists reports whether a record with the same id and partition key is present
	Exists(ctx context.Context, rec Record) (bool, error)

	// Create writes a new record and returns ErrConflict if it is already present
	Create(ctx context.Context, rec Record) error

	// Upsert writes the record, replacing any existing one
	Upsert(ctx context.Context, rec Record) error

	Close(ctx context.Context) error
}

// ConnectionConfig identifies one container. Credential is never logged.
type ConnectionConfig struct {
	Endpoint         string `yaml:"endpoint" json:"endpoint"`
	Username         string `yaml:"username" json:"username,omitempty"`
	Credential       string `yaml:"credential" json:"credential,omitempty"`
	Database         string `yaml:"database_name" json:"database_name"`
	Container        string `yaml:"container_name" json:"container_name"`
	PartitionKeyPath string `yaml:"partition_key" json:"partition_key,omitempty"`
}

// Key identifies the target container independently of the credential used to reach it
func (c ConnectionConfig) Key() string {
	return strings.ToLower(strings.TrimRight(c.Endpoint, "/")) + "|" + c.Database + "|" + c.Container
}

// Redacted returns a copy without the credential
func (c ConnectionConfig) Redacted() ConnectionConfig {
	c.Credential = ""
	return c
}

func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Endpoint, c.Database, c.Container)
}

// MarshalLogObject implements zapcore.ObjectMarshaler
func (c ConnectionConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("endpoint", c.Endpoint)
	enc.AddString("database", c.Database)
	enc.AddString("container", c.Container)
	if c.PartitionKeyPath != "" {
		enc.AddString("partition_key", c.PartitionKeyPath)
	}
	if c.Username != "" {
		enc.AddString("username", c.Username)
	}
	return nil
}

// Validate checks the fields every adapter needs
func (c ConnectionConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Container == "" {
		return fmt.Errorf("container name is required")
	}
	return nil
}

// Opener connects to a container
type Opener func(ctx context.Context, cfg ConnectionConfig) (Container, error)

// Open connects to the container described by cfg, choosing the adapter from the endpoint scheme
func Open(ctx context.Context, cfg ConnectionConfig) (Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
	}

	scheme := ""
	if i := strings.Index(cfg.Endpoint, "://"); i > 0 {
		scheme = strings.ToLower(cfg.Endpoint[:i])
	}

	switch scheme {
	case "mongodb", "mongodb+srv":
		return NewMongoContainer(ctx, cfg)
	case "s3", "http", "https", "":
		return NewObjectContainer(ctx, cfg)
	default:
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: fmt.Errorf("unsupported endpoint scheme %q", scheme)}
	}
}
