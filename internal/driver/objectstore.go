package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectContainer implements Container on an S3-compatible bucket. The database name is the bucket,
// the container name is a key prefix and each record is one JSON object at <container>/<partition>/<id>.json.
type ObjectContainer struct {
	client *minio.Client
	bucket string
	prefix string
	pkPath string
}

// NewObjectContainer connects to the bucket described by cfg. Username is the access key and
// Credential the secret key.
func NewObjectContainer(ctx context.Context, cfg ConnectionConfig) (*ObjectContainer, error) {
	endpoint, secure, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Username, cfg.Credential, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
	}

	ok, err := client.BucketExists(ctx, cfg.Database)
	if err != nil {
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
	}
	if !ok {
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: fmt.Errorf("bucket %s does not exist", cfg.Database)}
	}

	return &ObjectContainer{
		client: client,
		bucket: cfg.Database,
		prefix: strings.Trim(cfg.Container, "/") + "/",
		pkPath: cfg.PartitionKeyPath,
	}, nil
}

// cleanEndpoint reduces an endpoint URL to host:port and reports whether TLS is used
func cleanEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.Contains(endpoint, "://") {
		if strings.Contains(endpoint, "/") {
			return "", false, fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, false, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", false, fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, parsedURL.Scheme != "http", nil
}

func (c *ObjectContainer) Count(ctx context.Context) (int64, error) {
	var total int64
	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: c.prefix, Recursive: true}) {
		if obj.Err != nil {
			return total, classifyS3Error("count", obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".json") {
			total++
		}
	}
	return total, nil
}

func (c *ObjectContainer) ReadAll(ctx context.Context, pageSize int) (<-chan Record, <-chan error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	recCh := make(chan Record, pageSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		opts := minio.ListObjectsOptions{Prefix: c.prefix, Recursive: true, MaxKeys: pageSize}
		for obj := range c.client.ListObjects(ctx, c.bucket, opts) {
			if obj.Err != nil {
				errCh <- classifyS3Error("list", obj.Err)
				return
			}
			if !strings.HasSuffix(obj.Key, ".json") {
				continue
			}

			rec, err := c.load(ctx, obj.Key)
			if err != nil {
				errCh <- err
				return
			}

			select {
			case recCh <- rec:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return recCh, errCh
}

func (c *ObjectContainer) Exists(ctx context.Context, rec Record) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, c.key(rec), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, classifyS3Error("exists", err)
}

// Create is a check-then-put; S3 offers no conditional create in this client version
func (c *ObjectContainer) Create(ctx context.Context, rec Record) error {
	exists, err := c.Exists(ctx, rec)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("create %s: %w", rec.ID, ErrConflict)
	}
	return c.put(ctx, "create", rec)
}

func (c *ObjectContainer) Upsert(ctx context.Context, rec Record) error {
	return c.put(ctx, "upsert", rec)
}

func (c *ObjectContainer) Close(ctx context.Context) error {
	return nil
}

func (c *ObjectContainer) key(rec Record) string {
	return path.Join(c.prefix, url.PathEscape(rec.PartitionKey), url.PathEscape(rec.ID)+".json")
}

func (c *ObjectContainer) put(ctx context.Context, op string, rec Record) error {
	body, err := json.Marshal(rec.Fields)
	if err != nil {
		return Fatal(op, fmt.Errorf("invalid document %s: %w", rec.ID, err))
	}

	_, err = c.client.PutObject(ctx, c.bucket, c.key(rec), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return classifyS3Error(op, err)
}

func (c *ObjectContainer) load(ctx context.Context, key string) (Record, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Record{}, classifyS3Error("get", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return Record{}, classifyS3Error("get", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Record{}, Fatal("decode", fmt.Errorf("invalid document %s: %w", key, err))
	}

	rec, err := NewRecord(fields, c.pkPath)
	if err != nil {
		return Record{}, Fatal("decode", fmt.Errorf("invalid document %s: %w", key, err))
	}
	return rec, nil
}

func classifyS3Error(op string, err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return Transient(op, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
		return Fatal(op, err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Transient(op, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return Fatal(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
