package ingest

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeJSONValue_String(t *testing.T) {
	got := canonicalizeJSONValue(`{"b":"x","a":[1,2]}`)
	assert.Equal(t, `{"a": [1, 2], "b": "x"}`, got)
}

func TestCanonicalizeJSONValue_Bytes(t *testing.T) {
	got := canonicalizeJSONValue([]byte(`{"a":1}`))
	assert.Equal(t, `{"a": 1}`, got)
}

func TestCanonicalizeJSONValue_Nil(t *testing.T) {
	assert.Nil(t, canonicalizeJSONValue(nil))
}

func TestCanonicalizeJSONValue_DecodeFailureYieldsNull(t *testing.T) {
	got := canonicalizeJSONValue(`{not json`)
	assert.Equal(t, "null", got)
}

func TestCanonicalizeJSONValue_NativeValue(t *testing.T) {
	got := canonicalizeJSONValue(map[string]any{"a": 1})
	assert.Equal(t, `{"a": 1}`, got)
}

func TestSpaceJSONSeparators_LeavesStringContentAlone(t *testing.T) {
	got := spaceJSONSeparators([]byte(`{"note":"a,b:c"}`))
	assert.Equal(t, `{"note": "a,b:c"}`, got)
}

func TestCanonicalizeJSONColumns_OnlyTouchesJSONColumns(t *testing.T) {
	tbl := &schema.Table{
		Columns: []schema.TableColumn{
			{Name: "id", Type: schema.TYPE_NUMBER},
			{Name: "payload", Type: schema.TYPE_JSON},
		},
	}
	row := []any{int64(1), `{"b":2,"a":1}`}

	canonicalizeJSONColumns(tbl, row)

	assert.Equal(t, int64(1), row[0])
	assert.Equal(t, `{"a": 1, "b": 2}`, row[1])
}

func TestCanonicalizeJSONColumns_NullPayloadStaysNil(t *testing.T) {
	tbl := &schema.Table{
		Columns: []schema.TableColumn{
			{Name: "payload", Type: schema.TYPE_JSON},
		},
	}
	row := []any{nil}

	canonicalizeJSONColumns(tbl, row)

	assert.Nil(t, row[0])
}
