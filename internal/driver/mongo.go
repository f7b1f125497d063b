package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Server error codes the adapter classifies explicitly
const (
	mongoCodeBadValue            = 2
	mongoCodeUnauthorized        = 13
	mongoCodeTypeMismatch        = 14
	mongoCodeAuthFailed          = 18
	mongoCodeInvalidBSON         = 22
	mongoCodeMaxTimeExpired      = 50
	mongoCodeShutdownInProgress  = 91
	mongoCodeDocumentValidation  = 121
	mongoCodePrimaryStepped      = 189
	mongoCodeObjectTooLarge      = 10334
	mongoCodeInterruptedShutdown = 11600
	mongoCodeTooManyRequests     = 16500 // Cosmos DB request rate too large
	mongoCodeDocumentTooLarge    = 17419
)

// MongoContainer implements Container on a MongoDB collection. Cosmos DB accounts are reachable
// through their MongoDB API endpoint.
type MongoContainer struct {
	client     *mongo.Client
	collection *mongo.Collection
	pkPath     string
	pkField    string
}

// NewMongoContainer connects to the collection described by cfg
func NewMongoContainer(ctx context.Context, cfg ConnectionConfig) (*MongoContainer, error) {
	clientOptions := options.Client().ApplyURI(cfg.Endpoint)
	clientOptions.SetConnectTimeout(10 * time.Second)
	clientOptions.SetMaxPoolSize(100)
	clientOptions.SetMaxConnIdleTime(30 * time.Second)
	clientOptions.SetRetryReads(true)
	if cfg.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: cfg.Username,
			Password: cfg.Credential,
		})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, &ConnectionError{Endpoint: cfg.Redacted().String(), Err: err}
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, &ConnectionError{Endpoint: cfg.Redacted().String(), Err: fmt.Errorf("ping: %w", err)}
	}

	c := &MongoContainer{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Container),
		pkPath:     cfg.PartitionKeyPath,
	}
	if cfg.PartitionKeyPath != "" && cfg.PartitionKeyPath != DefaultPartitionKeyPath {
		c.pkField = PartitionKeyField(cfg.PartitionKeyPath)
	}
	return c, nil
}

func (c *MongoContainer) Count(ctx context.Context) (int64, error) {
	n, err := c.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, classifyMongoError("count", err)
	}
	return n, nil
}

func (c *MongoContainer) ReadAll(ctx context.Context, pageSize int) (<-chan Record, <-chan error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	recCh := make(chan Record, pageSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		cursor, err := c.collection.Find(ctx, bson.D{}, options.Find().SetBatchSize(int32(pageSize)))
		if err != nil {
			errCh <- classifyMongoError("find", err)
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				errCh <- Fatal("decode", err)
				return
			}

			rec, err := c.toRecord(doc)
			if err != nil {
				errCh <- Fatal("decode", err)
				return
			}

			select {
			case recCh <- rec:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := cursor.Err(); err != nil {
			errCh <- classifyMongoError("cursor", err)
		}
	}()

	return recCh, errCh
}

func (c *MongoContainer) Exists(ctx context.Context, rec Record) (bool, error) {
	n, err := c.collection.CountDocuments(ctx, c.filter(rec), options.Count().SetLimit(1))
	if err != nil {
		return false, classifyMongoError("exists", err)
	}
	return n > 0, nil
}

func (c *MongoContainer) Create(ctx context.Context, rec Record) error {
	_, err := c.collection.InsertOne(ctx, c.document(rec))
	return classifyMongoError("create", err)
}

func (c *MongoContainer) Upsert(ctx context.Context, rec Record) error {
	_, err := c.collection.ReplaceOne(ctx, c.filter(rec), c.document(rec), options.Replace().SetUpsert(true))
	return classifyMongoError("upsert", err)
}

func (c *MongoContainer) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *MongoContainer) toRecord(doc bson.M) (Record, error) {
	fields, _ := normalizeBSON(doc).(map[string]any)

	id, ok := lookupString(fields, "id")
	if !ok {
		switch v := fields["_id"].(type) {
		case primitive.ObjectID:
			id, ok = v.Hex(), true
		default:
			id, ok = stringify(v)
		}
	}
	if !ok || id == "" {
		return Record{}, fmt.Errorf("document has no id")
	}

	pk, _ := PartitionKeyValue(fields, c.pkPath)
	return Record{ID: id, PartitionKey: pk, Fields: fields}, nil
}

// filter matches the stored document for rec, preferring its original _id value
func (c *MongoContainer) filter(rec Record) bson.D {
	var filter bson.D
	if raw, ok := rec.Fields["_id"]; ok {
		filter = bson.D{{Key: "_id", Value: raw}}
	} else {
		filter = bson.D{{Key: "_id", Value: rec.ID}}
	}
	if c.pkField != "" && rec.PartitionKey != "" {
		filter = append(filter, bson.E{Key: c.pkField, Value: rec.PartitionKey})
	}
	return filter
}

// document copies the record's fields, adding an _id when the source had none
func (c *MongoContainer) document(rec Record) bson.M {
	doc := make(bson.M, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		doc[k] = v
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = rec.ID
	}
	return doc
}

func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeBSON(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeBSON(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeBSON(val)
		}
		return out
	default:
		return v
	}
}

func classifyMongoError(op string, err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return Transient(op, err)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		switch {
		case serverErr.HasErrorCode(mongoCodeTooManyRequests),
			serverErr.HasErrorCode(mongoCodeMaxTimeExpired),
			serverErr.HasErrorCode(mongoCodeShutdownInProgress),
			serverErr.HasErrorCode(mongoCodePrimaryStepped),
			serverErr.HasErrorCode(mongoCodeInterruptedShutdown):
			return Transient(op, err)
		case serverErr.HasErrorCode(mongoCodeUnauthorized),
			serverErr.HasErrorCode(mongoCodeAuthFailed):
			return Fatal(op, err)
		case serverErr.HasErrorCode(mongoCodeBadValue),
			serverErr.HasErrorCode(mongoCodeTypeMismatch),
			serverErr.HasErrorCode(mongoCodeInvalidBSON),
			serverErr.HasErrorCode(mongoCodeDocumentValidation),
			serverErr.HasErrorCode(mongoCodeObjectTooLarge),
			serverErr.HasErrorCode(mongoCodeDocumentTooLarge):
			return Fatal(op, fmt.Errorf("invalid document: %w", err))
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
