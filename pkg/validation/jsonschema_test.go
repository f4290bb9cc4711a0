package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productSchema = `{
	"type": "object",
	"properties": { "name": {"type": "string"}, "size": {"type": "integer", "minimum": 0} },
	"required": ["name", "size"]
}`

func TestValidateJSONWithSchema_Valid(t *testing.T) {
	assert.NoError(t, ValidateJSONWithSchema(productSchema, []byte(`{"name": "out.fits", "size": 30}`)))
}

func TestValidateJSONWithSchema_Invalid(t *testing.T) {
	err := ValidateJSONWithSchema(productSchema, []byte(`{"name": "out.fits"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing properties: 'size'")

	err = ValidateJSONWithSchema(productSchema, []byte(`{"name": "out.fits", "size": "big"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected integer, but got string")

	err = ValidateJSONWithSchema(productSchema, []byte(`{"name": "out.fits", "size": -5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be >= 0 but found -5")
}

func TestValidateJSONWithSchema_EmptySchemaStillRequiresJSON(t *testing.T) {
	assert.NoError(t, ValidateJSONWithSchema("", []byte(`{"anything": true}`)))

	err := ValidateJSONWithSchema("", []byte(`not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal JSON data")
}

func TestCompile_InvalidSchema(t *testing.T) {
	_, err := Compile(`{"type": "object", "properties": {"name": {"type": "str"}}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile JSON schema")
}

func TestValidator_Reuse(t *testing.T) {
	v, err := Compile(productSchema)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.NoError(t, v.Validate([]byte(`{"name": "a", "size": 1}`)))
	}
	assert.Error(t, v.Validate([]byte(`{}`)))
}
