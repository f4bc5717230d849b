package agentloop

import (
	"bytes"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validatable is implemented by argument structs that need custom business validation.
// Called after schema validation and unmarshaling.
type Validatable interface {
	Validate() error
}

// parseAndCheck decodes raw JSON and validates it against s. It returns the
// decoded instance, or a ClientError for a parse or schema failure.
func parseAndCheck(s *jsonschema.Schema, raw []byte) (any, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, wrapJSONParseError(err)
	}
	if err := validateAgainstSchema(s, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// validateAgainstSchema runs Layer 1 validation on an already-parsed instance.
func validateAgainstSchema(s *jsonschema.Schema, inst any) error {
	if err := s.Validate(inst); err != nil {
		return &ClientError{Reason: strings.Join(validationIssues(err), "; "), Err: ErrValidation}
	}
	return nil
}

// validateCustom runs Layer 2 (Validatable) if args implements it.
func validateCustom(args any) error {
	if v, ok := args.(Validatable); ok {
		return v.Validate()
	}
	return nil
}
