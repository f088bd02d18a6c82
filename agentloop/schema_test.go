package agentloop

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var editSchema = Schema{
	{Name: "path", Type: TypeString, Required: true},
	{Name: "count", Type: TypeInteger},
	{Name: "ratio", Type: TypeNumber},
	{Name: "force", Type: TypeBoolean},
	{Name: "paths", Type: TypeArray},
	{Name: "opts", Type: TypeObject},
}

func TestSchemaValidateAcceptsConformingArguments(t *testing.T) {
	args, err := editSchema.Validate(json.RawMessage(
		`{"path":"a.go","count":3,"ratio":0.5,"force":true,"paths":["x","y"],"opts":{"k":1},"extra":"ignored"}`))
	require.NoError(t, err)

	assert.Equal(t, "a.go", args.StringOr("path", ""))
	assert.Equal(t, 3, args.IntOr("count", 0))
	ratio, ok := args.Float("ratio")
	assert.True(t, ok)
	assert.InDelta(t, 0.5, ratio, 1e-9)
	force, ok := args.Bool("force")
	assert.True(t, ok)
	assert.True(t, force)
	paths, ok := args.Strings("paths")
	assert.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, paths)
	assert.Equal(t, KindObject, args["opts"].Kind)
	assert.False(t, args.Has("extra"))
}

func TestSchemaValidateEmptyAndNull(t *testing.T) {
	optional := Schema{{Name: "path", Type: TypeString}}
	for _, raw := range []string{"", "  ", "null", "{}"} {
		args, err := optional.Validate(json.RawMessage(raw))
		require.NoError(t, err, "raw=%q", raw)
		assert.Empty(t, args)
	}
}

func TestSchemaValidateMissingAndMismatched(t *testing.T) {
	schema := Schema{
		{Name: "zeta", Type: TypeString, Required: true},
		{Name: "alpha", Type: TypeString, Required: true},
		{Name: "n", Type: TypeInteger},
		{Name: "flag", Type: TypeBoolean},
	}
	_, err := schema.Validate(json.RawMessage(`{"n":"three","flag":1,"zeta":null}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArguments))

	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindInvalidArguments, te.Kind)
	assert.Equal(t, []string{"alpha", "zeta"}, te.Missing)
	want := []FieldMismatch{
		{Field: "flag", Want: "boolean", Got: "integer"},
		{Field: "n", Want: "integer", Got: "string"},
	}
	if diff := cmp.Diff(want, te.Mismatched); diff != "" {
		t.Errorf("mismatched (-want +got):\n%s", diff)
	}
	assert.Contains(t, te.Message, "missing required: alpha, zeta")
	assert.Contains(t, te.Message, "n (want integer, got string)")
}

func TestSchemaValidateIntegers(t *testing.T) {
	schema := Schema{{Name: "n", Type: TypeInteger, Required: true}}

	args, err := schema.Validate(json.RawMessage(`{"n":4.0}`))
	require.NoError(t, err)
	assert.Equal(t, 4, args.IntOr("n", 0))

	_, err = schema.Validate(json.RawMessage(`{"n":4.5}`))
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, []FieldMismatch{{Field: "n", Want: "integer", Got: "number"}}, te.Mismatched)
}

func TestSchemaValidateArrayItems(t *testing.T) {
	schema := Schema{{Name: "ids", Type: TypeArray, Items: TypeInteger, Required: true}}

	args, err := schema.Validate(json.RawMessage(`{"ids":[1,2,3]}`))
	require.NoError(t, err)
	require.Len(t, args["ids"].List, 3)
	assert.Equal(t, int64(2), args["ids"].List[1].Int)

	_, err = schema.Validate(json.RawMessage(`{"ids":[1,"two",3]}`))
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, []FieldMismatch{{Field: "ids[1]", Want: "integer", Got: "string"}}, te.Mismatched)
}

func TestSchemaValidateNonObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `{not json`} {
		_, err := editSchema.Validate(json.RawMessage(raw))
		require.Error(t, err, "raw=%q", raw)
		assert.True(t, errors.Is(err, ErrInvalidArguments), "raw=%q", raw)
	}
}

func TestSchemaJSONSchema(t *testing.T) {
	got := Schema{
		{Name: "path", Type: TypeString, Required: true, Description: "File path."},
		{Name: "paths", Type: TypeArray},
	}.JSONSchema()

	want := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":  map[string]interface{}{"type": "string", "description": "File path."},
			"paths": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"path"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("JSONSchema (-want +got):\n%s", diff)
	}

	empty := Schema{}.JSONSchema()
	assert.Equal(t, []string{}, empty["required"])
}

func TestArgumentsAccessorsRejectWrongKind(t *testing.T) {
	args := Arguments{"n": {Kind: KindInteger, Int: 7}, "s": {Kind: KindString, Str: "x"}}

	_, ok := args.String("n")
	assert.False(t, ok)
	_, ok = args.Int("s")
	assert.False(t, ok)
	f, ok := args.Float("n")
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)
	assert.Equal(t, "def", args.StringOr("missing", "def"))
	assert.Equal(t, 9, args.IntOr("missing", 9))
}
