package scanning

import "github.com/google/generative-ai-go/genai"

// fieldConfidenceKeys are the named fields the model scores individually
var fieldConfidenceKeys = []string{
	"vendor_name",
	"invoice_number",
	"invoice_date",
	"due_date",
	"currency",
	"subtotal",
	"tax_amount",
	"total_amount",
	"line_items",
}

// ExtractionJSONSchema returns the JSON Schema every model reply must satisfy.
// Objects are closed at every level; the only open map is field_confidences,
// whose values are typed.
func ExtractionJSONSchema() map[string]any {
	vendor := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name":    map[string]any{"type": "string", "minLength": 1},
			"address": nullable("string"),
			"tax_id":  nullable("string"),
			"email":   nullable("string"),
			"phone":   nullable("string"),
		},
		"required": []any{"name"},
	}

	lineItem := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"line_number": nullable("integer"),
			"description": map[string]any{"type": "string"},
			"quantity":    nullable("number"),
			"unit_price":  nullable("number"),
			"amount":      map[string]any{"type": "number"},
			"tax_rate":    nullable("number"),
			"tax_amount":  nullable("number"),
			"category":    nullable("string"),
			"sku":         nullable("string"),
			"unit":        nullable("string"),
			"confidence":  map[string]any{"type": []any{"number", "null"}, "minimum": 0, "maximum": 1},
		},
		"required": []any{"description", "amount"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"vendor":          vendor,
			"invoice_number":  nullable("string"),
			"invoice_date":    nullable("string"),
			"due_date":        nullable("string"),
			"currency":        map[string]any{"type": "string", "pattern": `^[A-Z]{3}$`},
			"subtotal":        nullable("number"),
			"tax_amount":      nullable("number"),
			"discount_amount": nullable("number"),
			"total_amount":    map[string]any{"type": "number"},
			"line_items":      map[string]any{"type": "array", "items": lineItem},
			"confidence":      unitInterval(),
			"field_confidences": map[string]any{
				"type":                 "object",
				"additionalProperties": unitInterval(),
			},
		},
		"required": []any{"vendor", "currency", "total_amount", "line_items", "confidence", "field_confidences"},
	}
}

func nullable(typ string) map[string]any {
	return map[string]any{"type": []any{typ, "null"}}
}

func unitInterval() map[string]any {
	return map[string]any{"type": "number", "minimum": 0, "maximum": 1}
}

// geminiResponseSchema mirrors ExtractionJSONSchema in the genai schema
// dialect so the model is constrained to the same shape
func geminiResponseSchema() *genai.Schema {
	str := func() *genai.Schema { return &genai.Schema{Type: genai.TypeString} }
	optStr := func() *genai.Schema { return &genai.Schema{Type: genai.TypeString, Nullable: true} }
	num := func() *genai.Schema { return &genai.Schema{Type: genai.TypeNumber} }
	optNum := func() *genai.Schema { return &genai.Schema{Type: genai.TypeNumber, Nullable: true} }

	confidences := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(fieldConfidenceKeys)),
	}
	for _, key := range fieldConfidenceKeys {
		confidences.Properties[key] = num()
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"vendor": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"name":    str(),
					"address": optStr(),
					"tax_id":  optStr(),
					"email":   optStr(),
					"phone":   optStr(),
				},
				Required: []string{"name"},
			},
			"invoice_number":  optStr(),
			"invoice_date":    optStr(),
			"due_date":        optStr(),
			"currency":        str(),
			"subtotal":        optNum(),
			"tax_amount":      optNum(),
			"discount_amount": optNum(),
			"total_amount":    num(),
			"line_items": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"line_number": {Type: genai.TypeInteger, Nullable: true},
						"description": str(),
						"quantity":    optNum(),
						"unit_price":  optNum(),
						"amount":      num(),
						"tax_rate":    optNum(),
						"tax_amount":  optNum(),
						"category":    optStr(),
						"sku":         optStr(),
						"unit":        optStr(),
						"confidence":  optNum(),
					},
					Required: []string{"description", "amount"},
				},
			},
			"confidence":        num(),
			"field_confidences": confidences,
		},
		Required: []string{"vendor", "currency", "total_amount", "line_items", "confidence", "field_confidences"},
	}
}
