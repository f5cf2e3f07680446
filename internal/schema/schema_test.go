package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SortsFieldsAndDefaultsType(t *testing.T) {
	s, err := New(map[string]Field{
		"summary":    {Description: "one-line summary"},
		"confidence": {Type: TypeFloat},
		"is_public":  {Type: TypeBool},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"confidence", "is_public", "summary"}, s.ColumnNames())
	assert.Equal(t, TypeString, s.Fields[2].Type)
}

func TestNew_RejectsUnknownType(t *testing.T) {
	_, err := New(map[string]Field{"x": {Type: "tuple"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestNew_RejectsEmptyStructure(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestDecode_TypedValues(t *testing.T) {
	s, err := New(map[string]Field{
		"name":  {Type: TypeString},
		"count": {Type: TypeInt},
		"score": {Type: TypeFloat},
		"tags":  {Type: TypeList},
	})
	require.NoError(t, err)

	got, err := s.Decode([]byte(`{"name":"acme","count":3,"score":0.5,"tags":["a","b"],"extra":"dropped"}`))
	require.NoError(t, err)
	assert.Equal(t, "acme", got["name"])
	assert.Equal(t, int64(3), got["count"])
	assert.Equal(t, 0.5, got["score"])
	assert.Equal(t, []any{"a", "b"}, got["tags"])
	assert.NotContains(t, got, "extra")
}

func TestDecode_MissingAndNullFieldsAreOmitted(t *testing.T) {
	s, err := New(map[string]Field{
		"name": {Type: TypeString},
		"note": {Type: TypeString},
	})
	require.NoError(t, err)

	got, err := s.Decode([]byte(`{"name":"acme","note":null}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "acme"}, got)
}

func TestDecode_EnforcesValueSet(t *testing.T) {
	s, err := New(map[string]Field{
		"status": {Type: TypeString, Values: []string{"active", "dissolved"}},
	})
	require.NoError(t, err)

	_, err = s.Decode([]byte(`{"status":"unknown"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allowed set")

	got, err := s.Decode([]byte(`{"status":"active"}`))
	require.NoError(t, err)
	assert.Equal(t, "active", got["status"])
}

func TestDecode_TypeMismatch(t *testing.T) {
	s, err := New(map[string]Field{"count": {Type: TypeInt}})
	require.NoError(t, err)

	_, err = s.Decode([]byte(`{"count":"three"}`))
	require.Error(t, err)
}

func TestPromptDescription_ListsConstraints(t *testing.T) {
	s, err := New(map[string]Field{
		"status": {Type: TypeString, Description: "current status", Values: []string{"active", "dissolved"}},
	})
	require.NoError(t, err)

	desc := s.PromptDescription()
	assert.Contains(t, desc, `"status" (string)`)
	assert.Contains(t, desc, "current status")
	assert.Contains(t, desc, "one of: active, dissolved")
}
