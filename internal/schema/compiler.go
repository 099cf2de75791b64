package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiler compiles JSON Schema documents and caches the result by content
type Compiler struct {
	cache *expirable.LRU[string, *js.Schema]
}

// NewCompilerWithCache creates a new compiler with cache
func NewCompilerWithCache(maxSize int) *Compiler {
	return &Compiler{
		cache: expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

// Violation is a single failed constraint, located at the top-level
// property it concerns
type Violation struct {
	Field   string
	Keyword string
	Message string
}

func (c *Compiler) key(schema map[string]interface{}) (string, []byte, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Prepare compiles and caches a schema
func (c *Compiler) Prepare(ctx context.Context, schema map[string]interface{}) (*js.Schema, error) {
	key, schemaBytes, err := c.key(schema)
	if err != nil {
		return nil, err
	}
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	// js.Compiler is not safe for concurrent use, so each schema gets its own
	compiler := js.NewCompiler()
	compiler.ExtractAnnotations = true
	resourceURL := fmt.Sprintf("mem://schema/%s.json", key[:16])
	if err := compiler.AddResource(resourceURL, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}

	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(key, compiled)
	return compiled, nil
}

// Validate checks value against schema. A nil slice means the value is valid;
// a non-nil error means the schema itself could not be used.
func (c *Compiler) Validate(ctx context.Context, schema map[string]interface{}, value map[string]interface{}) ([]Violation, error) {
	compiled, err := c.Prepare(ctx, schema)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON so Go slices and numbers take their decoded shapes
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var valueRaw interface{}
	if err := json.Unmarshal(valueBytes, &valueRaw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	err = compiled.Validate(valueRaw)
	if err == nil {
		return nil, nil
	}
	var verr *js.ValidationError
	if !errors.As(err, &verr) {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var out []Violation
	collectLeaves(verr, &out)
	return out, nil
}

func collectLeaves(e *js.ValidationError, out *[]Violation) {
	if len(e.Causes) == 0 {
		*out = append(*out, Violation{
			Field:   topLevelProperty(e.InstanceLocation),
			Keyword: lastSegment(e.KeywordLocation),
			Message: e.Message,
		})
		return
	}
	for _, cause := range e.Causes {
		collectLeaves(cause, out)
	}
}

// topLevelProperty returns the first reference token of a JSON pointer
func topLevelProperty(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if i := strings.IndexByte(pointer, '/'); i >= 0 {
		pointer = pointer[:i]
	}
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(pointer)
}

func lastSegment(pointer string) string {
	if i := strings.LastIndexByte(pointer, '/'); i >= 0 {
		return pointer[i+1:]
	}
	return pointer
}
