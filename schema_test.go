package agentloop

import (
	"encoding/json"
	"errors"
	"maps"
	"reflect"
	"slices"
	"testing"

	invopop "github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findSchemaObject returns the first map in schemaMap that has "properties" (root or inside $defs).
// Used by tests to assert on additionalProperties, required, etc.
func findSchemaObject(schemaMap map[string]any) map[string]any {
	if schemaMap == nil {
		return nil
	}
	if schemaMap["properties"] != nil {
		return schemaMap
	}
	if defs, ok := schemaMap["$defs"].(map[string]any); ok {
		for _, v := range defs {
			if o, ok := v.(map[string]any); ok && o["properties"] != nil {
				return o
			}
		}
	}
	return nil
}

// snapshotAndRestoreCustomTypes backs up the global custom type registry and registers t.Cleanup
// to restore it. Use in tests that call RegisterType so they do not affect other tests.
// Do not run such tests with t.Parallel().
func snapshotAndRestoreCustomTypes(t *testing.T) {
	t.Helper()
	customTypesMu.Lock()
	before := make(map[reflect.Type]*invopop.Schema)
	maps.Copy(before, customTypes)
	customTypesMu.Unlock()
	t.Cleanup(func() {
		customTypesMu.Lock()
		customTypes = before
		customTypesMu.Unlock()
	})
}

type shipment struct {
	Carrier  string   `json:"carrier" jsonschema:"enum=ups,enum=dhl"`
	Weight   float64  `json:"weight_kg"`
	Address  address  `json:"address"`
	Notes    []string `json:"notes,omitempty"`
	Priority *int     `json:"priority,omitempty"`
}

type address struct {
	Street string `json:"street"`
	City   string `json:"city"`
}

func TestGenerateSchema_Shape(t *testing.T) {
	m, compiled, err := generateSchema[shipment](false)
	require.NoError(t, err)
	require.NotNil(t, compiled)

	assert.Equal(t, "object", m["type"])
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"carrier", "weight_kg", "address", "notes", "priority"}, slices.Collect(maps.Keys(props)))
	assert.ElementsMatch(t, []any{"carrier", "weight_kg", "address"}, m["required"])

	var refs int
	walkSchema(m, func(n map[string]any) {
		if _, ok := n["$ref"]; ok {
			refs++
		}
		if _, ok := n["$defs"]; ok {
			refs++
		}
	})
	assert.Zero(t, refs, "schemas sent to a model are fully inlined")

	nested, ok := props["address"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, nested["properties"], "city")
}

func TestGenerateSchema_Validates(t *testing.T) {
	_, compiled, err := generateSchema[shipment](false)
	require.NoError(t, err)

	tests := []struct {
		doc   string
		valid bool
	}{
		{`{"carrier":"ups","weight_kg":2.5,"address":{"street":"Main 1","city":"Oslo"}}`, true},
		{`{"carrier":"ups","weight_kg":2.5,"address":{"street":"Main 1","city":"Oslo"},"notes":["fragile"],"priority":1}`, true},
		{`{"carrier":"fedex","weight_kg":2.5,"address":{"street":"Main 1","city":"Oslo"}}`, false},
		{`{"carrier":"ups","weight_kg":"heavy","address":{"street":"Main 1","city":"Oslo"}}`, false},
		{`{"carrier":"ups","weight_kg":1}`, false},
	}
	for _, tt := range tests {
		var inst any
		require.NoError(t, json.Unmarshal([]byte(tt.doc), &inst))
		err := compiled.Validate(inst)
		if tt.valid {
			assert.NoError(t, err, tt.doc)
		} else {
			assert.Error(t, err, tt.doc)
		}
	}
}

func TestGenerateSchema_StrictMode(t *testing.T) {
	m, _, err := generateSchema[shipment](true)
	require.NoError(t, err)

	var objects int
	walkSchema(m, func(n map[string]any) {
		props, ok := n["properties"].(map[string]any)
		if !ok {
			return
		}
		objects++
		assert.Equal(t, false, n["additionalProperties"])
		assert.Len(t, n["required"], len(props))
	})
	assert.Equal(t, 2, objects)
}

func TestApplyStrictMode(t *testing.T) {
	m := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"b": map[string]any{
				"type":       "object",
				"properties": map[string]any{"c": map[string]any{"type": "integer"}},
			},
			"a": map[string]any{"type": "string"},
		},
	}
	applyStrictMode(m)
	assert.Equal(t, false, m["additionalProperties"])
	assert.Equal(t, []any{"a", "b"}, m["required"])
	b := m["properties"].(map[string]any)["b"].(map[string]any)
	assert.Equal(t, false, b["additionalProperties"])
	assert.Equal(t, []any{"c"}, b["required"])
}

func TestRegisterType_ValueType(t *testing.T) {
	snapshotAndRestoreCustomTypes(t)
	type MyMoney struct{}
	RegisterType(MyMoney{}, "number", "decimal")
	type Args struct {
		Amount MyMoney `json:"amount"`
	}
	m, _, err := generateSchema[Args](false)
	require.NoError(t, err)
	require.NotNil(t, m)
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	amount, ok := props["amount"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "number", amount["type"])
	assert.Equal(t, "decimal", amount["format"])
}

func TestRegisterType_PointerFieldUsesValueMapping(t *testing.T) {
	snapshotAndRestoreCustomTypes(t)
	type MyMoney struct{}
	RegisterType(MyMoney{}, "number", "decimal")
	type Args struct {
		Amount *MyMoney `json:"amount,omitempty"`
	}
	m, _, err := generateSchema[Args](false)
	require.NoError(t, err)
	require.NotNil(t, m)
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	amount, ok := props["amount"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "number", amount["type"])
	assert.Equal(t, "decimal", amount["format"])
}

func TestRegisterType_InvalidArgs_Panic(t *testing.T) {
	snapshotAndRestoreCustomTypes(t)
	assert.Panics(t, func() { RegisterType(nil, "string", "uuid") })
	assert.Panics(t, func() { RegisterType(struct{}{}, "", "uuid") })
}

func TestEnrichSchemaFromStructTags(t *testing.T) {
	type Args struct {
		Unit  string `json:"unit" description:"Temperature unit" enum:"celsius, fahrenheit"`
		Skip  string `json:"-"`
		Plain int    `json:"plain"`
	}
	m, compiled, err := generateSchema[Args](false)
	require.NoError(t, err)
	props := m["properties"].(map[string]any)
	unit := props["unit"].(map[string]any)
	assert.Equal(t, "Temperature unit", unit["description"])
	assert.Equal(t, []any{"celsius", "fahrenheit"}, unit["enum"])
	assert.NotContains(t, props, "Skip")

	var bad any
	require.NoError(t, json.Unmarshal([]byte(`{"unit":"kelvin","plain":1}`), &bad))
	assert.Error(t, compiled.Validate(bad))
}

func TestStripSchemaIDs_KeepsIDProperty(t *testing.T) {
	m := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"$id":     "https://example.com/args",
		"type":    "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "$id": "inner"},
		},
	}
	stripSchemaIDs(m)
	assert.NotContains(t, m, "$schema")
	assert.NotContains(t, m, "$id")
	props := m["properties"].(map[string]any)
	require.Contains(t, props, "id")
	assert.NotContains(t, props["id"], "$id")
}

func TestCloneSchema_Independent(t *testing.T) {
	orig := map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}}
	cp, err := cloneSchema(orig)
	require.NoError(t, err)
	cp["properties"].(map[string]any)["b"] = true
	assert.NotContains(t, orig["properties"], "b")
}

func TestValidationIssues(t *testing.T) {
	compiled, err := compileSchema(map[string]any{
		"type":     "object",
		"required": []any{"total"},
		"properties": map[string]any{
			"total": map[string]any{"type": "number"},
			"items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	})
	require.NoError(t, err)

	var inst any
	require.NoError(t, json.Unmarshal([]byte(`{"total":"abc","items":["ok",3]}`), &inst))
	issues := validationIssues(compiled.Validate(inst))
	require.Len(t, issues, 2)
	joined := issues[0] + "\n" + issues[1]
	assert.Contains(t, joined, "/total: ")
	assert.Contains(t, joined, "/items/1: ")

	assert.Equal(t, []string{"plain"}, validationIssues(errors.New("plain")))
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := compileSchema(map[string]any{"type": 12})
	assert.Error(t, err)
}
