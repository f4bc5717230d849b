package agentloop

import (
	"encoding/json"
	"maps"
	"reflect"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Extractor decodes model-produced JSON into T. It owns the schema reflected from T and
// checks a document against it before decoding, then runs Validate when T (or *T) is
// Validatable. Typed tools decode their arguments with it; RunStructuredAs decodes the
// final answer with it.
type Extractor[T any] struct {
	schema   map[string]any
	compiled *jsonschema.Schema
}

// NewExtractor reflects the schema of T. strict closes every object
// (additionalProperties: false) and marks all of its properties required.
func NewExtractor[T any](strict bool) (*Extractor[T], error) {
	schema, compiled, err := generateSchema[T](strict)
	if err != nil {
		return nil, err
	}
	return &Extractor[T]{schema: schema, compiled: compiled}, nil
}

// Schema returns the top level of the schema as a new map. Nested values are shared.
func (e *Extractor[T]) Schema() map[string]any {
	return maps.Clone(e.schema)
}

// ParseAndValidate decodes doc into T. Every failure is a ClientError, so the text can be
// shown to the model as a correction hint.
func (e *Extractor[T]) ParseAndValidate(doc []byte) (T, error) {
	var out T
	if _, err := parseAndCheck(e.compiled, doc); err != nil {
		return out, err
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		var zero T
		return zero, wrapJSONParseError(err)
	}
	if err := checkValue(&out); err != nil {
		var zero T
		if IsClientError(err) {
			return zero, err
		}
		return zero, &ClientError{Reason: err.Error(), Err: ErrValidation}
	}
	return out, nil
}

// checkValue calls Validate once: on the value when T implements Validatable, otherwise on
// the pointer. A nil interface or nil pointer value is accepted.
func checkValue[T any](v *T) error {
	if val, ok := any(*v).(Validatable); ok {
		if isNil(val) {
			return nil
		}
		return val.Validate()
	}
	return validateCustom(any(v))
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
