package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ToDocument converts a record or entry into a generic document.
func ToDocument(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// FromDocument decodes a generic document into out. Numeric ids written by
// older clients may be fractional; docID is used when the body has none.
func FromDocument(doc map[string]interface{}, docID string, out interface{}) error {
	fixed := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		fixed[k] = v
	}
	fixed["id"] = normalizeID(fixed["id"], docID)
	for _, k := range []string{"createdAt", "updatedAt", "amount", "rxQuantity", "rxUsed"} {
		if f, ok := fixed[k].(float64); ok {
			fixed[k] = math.Trunc(f)
		}
	}
	data, err := json.Marshal(fixed)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", docID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode document %s: %w", docID, err)
	}
	return nil
}

func normalizeID(v interface{}, docID string) interface{} {
	switch id := v.(type) {
	case float64:
		return math.Trunc(id)
	case int64, int, int32:
		return id
	case string:
		return id
	}
	if n, err := strconv.ParseFloat(docID, 64); err == nil {
		return math.Trunc(n)
	}
	return docID
}

// Int64Field reads a numeric document field.
func Int64Field(doc map[string]interface{}, key string) (int64, bool) {
	switch v := doc[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	}
	return 0, false
}

// StringField reads a string document field.
func StringField(doc map[string]interface{}, key string) string {
	s, _ := doc[key].(string)
	return s
}

// CatalogFromDocument reads a catalog entry document. The name falls back to docID.
func CatalogFromDocument(doc map[string]interface{}, docID string) CatalogEntry {
	entry := CatalogEntry{ID: StringField(doc, "id"), Name: NormalizeName(StringField(doc, "name"))}
	if entry.ID == "" {
		entry.ID = docID
	}
	if entry.Name == "" {
		entry.Name = NormalizeName(docID)
	}
	entry.CreatedAt, _ = Int64Field(doc, "createdAt")
	return entry
}
