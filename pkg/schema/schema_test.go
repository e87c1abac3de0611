package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

func TestObjectSchemaJSON(t *testing.T) {
	s := Object(map[string]*Schema{
		"message": String().Describe("text to echo"),
		"count":   Integer().Default(1),
		"mode":    Enum("plain", "loud").Optional(),
	})

	doc := s.JSON()
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, false, doc["additionalProperties"])
	assert.Equal(t, []string{"message"}, doc["required"])

	props := doc["properties"].(map[string]any)
	assert.Equal(t, "text to echo", props["message"].(map[string]any)["description"])
	assert.Equal(t, 1, props["count"].(map[string]any)["default"])
	assert.Equal(t, []any{"plain", "loud"}, props["mode"].(map[string]any)["enum"])
}

func TestPassthroughAndArray(t *testing.T) {
	s := Object(map[string]*Schema{
		"tags": Array(String()).Optional(),
	}).Passthrough()

	doc := s.JSON()
	assert.Equal(t, true, doc["additionalProperties"])
	_, hasRequired := doc["required"]
	assert.False(t, hasRequired)

	items := doc["properties"].(map[string]any)["tags"].(map[string]any)["items"]
	assert.Equal(t, "string", items.(map[string]any)["type"])
}

func TestModifiersDoNotMutate(t *testing.T) {
	base := String()
	withDefault := base.Default("x")

	assert.False(t, base.optional)
	assert.True(t, withDefault.optional)
	assert.True(t, withDefault.hasDefault)
}

func TestApplyDefaults(t *testing.T) {
	s := Object(map[string]*Schema{
		"message": String(),
		"count":   Integer().Default(3),
		"mode":    Enum("plain", "loud").Default("plain"),
	})

	args := map[string]any{"message": "hi", "mode": "loud"}
	out := s.ApplyDefaults(args)

	assert.Equal(t, "hi", out["message"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "loud", out["mode"])

	// Input map untouched.
	_, present := args["count"]
	assert.False(t, present)
}

// The emitted document must be a schema gojsonschema accepts, since the tool
// registry validates against it.
func TestEmittedDocumentValidates(t *testing.T) {
	s := Object(map[string]*Schema{
		"message": String(),
		"count":   Integer().Default(1),
	})

	raw, err := json.Marshal(s.Document())
	require.NoError(t, err)
	loader := gojsonschema.NewBytesLoader(raw)

	ok, err := gojsonschema.Validate(loader, gojsonschema.NewGoLoader(map[string]any{
		"message": "hello", "count": 2,
	}))
	require.NoError(t, err)
	assert.True(t, ok.Valid())

	bad, err := gojsonschema.Validate(loader, gojsonschema.NewGoLoader(map[string]any{
		"count": "not-an-int",
	}))
	require.NoError(t, err)
	assert.False(t, bad.Valid())

	unknown, err := gojsonschema.Validate(loader, gojsonschema.NewGoLoader(map[string]any{
		"message": "hello", "extra": true,
	}))
	require.NoError(t, err)
	assert.False(t, unknown.Valid(), "additionalProperties defaults to false")
}
