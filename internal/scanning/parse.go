package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema compiles ExtractionJSONSchema once per process
var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	b, err := json.Marshal(ExtractionJSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("extraction.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// parseExtraction validates a structured model reply and decodes it.
// The reply is expected to be schema-constrained JSON; no repair is attempted.
func parseExtraction(raw []byte) (*ExtractionResult, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %w", ErrInvalidResponse, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: json does not match schema: %w", ErrInvalidResponse, err)
	}

	var result ExtractionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding extraction: %w", ErrInvalidResponse, err)
	}

	result.Vendor.Name = strings.TrimSpace(result.Vendor.Name)
	if result.FieldConfidences == nil {
		result.FieldConfidences = map[string]float64{}
	}

	return &result, nil
}
