package driver

import (
	"fmt"
	"strings"
)

// DefaultPartitionKeyPath is used when a container does not configure one
const DefaultPartitionKeyPath = "/id"

// Record is one document read from a container. The pipeline never mutates Fields.
type Record struct {
	ID           string
	PartitionKey string
	Fields       map[string]any
}

// Ref is the identity of a record within a container
func (r Record) Ref() string {
	return r.PartitionKey + "\x00" + r.ID
}

// NewRecord builds a Record from a raw document, deriving its id and partition key
func NewRecord(fields map[string]any, partitionKeyPath string) (Record, error) {
	id, ok := lookupString(fields, "id")
	if !ok {
		id, ok = lookupString(fields, "_id")
	}
	if !ok || id == "" {
		return Record{}, fmt.Errorf("document has no id")
	}

	pk, _ := PartitionKeyValue(fields, partitionKeyPath)

	return Record{
		ID:           id,
		PartitionKey: pk,
		Fields:       fields,
	}, nil
}

// PartitionKeyValue resolves a path such as "/tenant/region" against a document
func PartitionKeyValue(fields map[string]any, path string) (string, bool) {
	if path == "" {
		path = DefaultPartitionKeyPath
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	var current any = fields
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[seg]
		if !ok {
			return "", false
		}
	}

	return stringify(current)
}

// PartitionKeyField returns the top-level field name of a partition key path
func PartitionKeyField(path string) string {
	if path == "" {
		path = DefaultPartitionKeyPath
	}
	return strings.Join(strings.Split(strings.Trim(path, "/"), "/"), ".")
}

func lookupString(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	return stringify(v)
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}
