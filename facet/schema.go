package facet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Issue is one schema violation in the Ajv record shape consumed by
// validation_error events and API responses.
type Issue struct {
	Message      string                 `json:"message"`
	InstancePath string                 `json:"instancePath"`
	Keyword      string                 `json:"keyword"`
	Params       map[string]interface{} `json:"params"`
	SchemaPath   string                 `json:"schemaPath"`
}

var issuePrinter = message.NewPrinter(language.English)

// Compiled schemas are cached by content hash; contracts are re-validated
// on every node dispatch and recompiling dominated profiles.
var schemaCache sync.Map // hash → *jsonschema.Schema

// SchemaHash returns a stable content hash for a schema document. Map keys
// are sorted by the JSON encoder, so equal schemas hash equally.
func SchemaHash(schema map[string]interface{}) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CompileSchema compiles a JSON Schema document (draft 2020-12 by default).
// Results are cached by content hash.
func CompileSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema document is required")
	}

	hash := SchemaHash(schema)
	if hash != "" {
		if cached, ok := schemaCache.Load(hash); ok {
			return cached.(*jsonschema.Schema), nil
		}
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalizeJSON(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	if hash != "" {
		schemaCache.Store(hash, compiled)
	}
	return compiled, nil
}

// ValidateValue validates a JSON value against a compiled schema and
// returns the violations, nil when the value conforms.
func ValidateValue(schema *jsonschema.Schema, value interface{}) []Issue {
	err := schema.Validate(normalizeJSON(value))
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Issue{{
			Message: err.Error(),
			Keyword: "schema",
			Params:  map[string]interface{}{},
		}}
	}

	var issues []Issue
	flattenIssues(ve, &issues)
	return issues
}

// ValidateContract validates a value against a contract's schema. Facet-mode
// contracts must be compiled first; passing one is a programming error.
func ValidateContract(contract *Contract, value interface{}) ([]Issue, error) {
	if contract == nil {
		return nil, nil
	}
	if contract.Mode != ModeJSONSchema {
		return nil, fmt.Errorf("contract must be compiled to json_schema before validation, got mode %q", contract.Mode)
	}
	schema, err := CompileSchema(contract.Schema)
	if err != nil {
		return nil, err
	}
	return ValidateValue(schema, value), nil
}

func flattenIssues(ve *jsonschema.ValidationError, out *[]Issue) {
	if len(ve.Causes) == 0 {
		keywordPath := ve.ErrorKind.KeywordPath()
		keyword := ""
		if len(keywordPath) > 0 {
			keyword = keywordPath[len(keywordPath)-1]
		}
		*out = append(*out, Issue{
			Message:      ve.ErrorKind.LocalizedString(issuePrinter),
			InstancePath: joinPointer(ve.InstanceLocation),
			Keyword:      keyword,
			Params:       map[string]interface{}{},
			SchemaPath:   joinPointer(keywordPath),
		})
		return
	}
	for _, cause := range ve.Causes {
		flattenIssues(cause, out)
	}
}

func joinPointer(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range segments {
		b.WriteByte('/')
		seg = strings.ReplaceAll(seg, "~", "~0")
		seg = strings.ReplaceAll(seg, "/", "~1")
		b.WriteString(seg)
	}
	return b.String()
}

// normalizeJSON coerces a Go value into the JSON type universe the schema
// validator understands. Schema documents and node outputs arrive from YAML
// decoding and struct literals as well as JSON, so nested values may carry
// Go ints or typed slices; a marshal round-trip flattens all of them.
func normalizeJSON(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var normalized interface{}
	if err := json.Unmarshal(data, &normalized); err != nil {
		return value
	}
	return normalized
}
