package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSchema() Schema {
	return Schema{
		Version: 1,
		Columns: []ColumnDef{
			{Name: "id", Type: TypeInt64, Key: true},
			{Name: "name", Type: TypeString, Nullable: true},
			{Name: "score", Type: TypeFloat64, Nullable: true},
			{Name: "created", Type: TypeTimestamp},
		},
	}
}

func TestSchema_Validate(t *testing.T) {
	assert.NoError(t, testSchema().Validate())

	empty := Schema{Version: 1}
	assert.Error(t, empty.Validate())

	dup := Schema{Version: 1, Columns: []ColumnDef{
		{Name: "a", Type: TypeInt64},
		{Name: "a", Type: TypeString},
	}}
	assert.Error(t, dup.Validate())

	nullableKey := Schema{Version: 1, Columns: []ColumnDef{
		{Name: "k", Type: TypeInt64, Key: true, Nullable: true},
	}}
	assert.Error(t, nullableKey.Validate())
}

func TestSchema_ColumnLookup(t *testing.T) {
	s := testSchema()
	assert.Equal(t, 0, s.ColumnIndex("id"))
	assert.Equal(t, 2, s.ColumnIndex("score"))
	assert.Equal(t, -1, s.ColumnIndex("missing"))

	col, ok := s.Column("name")
	assert.True(t, ok)
	assert.Equal(t, TypeString, col.Type)

	keys := s.KeyColumns()
	assert.Len(t, keys, 1)
	assert.Equal(t, "id", keys[0].Name)
}

func TestSchema_Evolution(t *testing.T) {
	s := testSchema()

	s2, err := s.WithColumnAdded(ColumnDef{Name: "tag", Type: TypeString, Nullable: true})
	assert.NoError(t, err)
	assert.Equal(t, 2, s2.Version)
	assert.Equal(t, 5, len(s2.Columns))
	assert.Equal(t, 4, len(s.Columns), "original schema must be untouched")

	_, err = s.WithColumnAdded(ColumnDef{Name: "id", Type: TypeInt64, Nullable: true})
	assert.Error(t, err, "duplicate column")

	_, err = s.WithColumnAdded(ColumnDef{Name: "req", Type: TypeInt64})
	assert.Error(t, err, "added columns must be nullable")

	s3, err := s2.WithColumnDropped("tag")
	assert.NoError(t, err)
	assert.Equal(t, 3, s3.Version)
	assert.Equal(t, -1, s3.ColumnIndex("tag"))

	_, err = s.WithColumnDropped("id")
	assert.Error(t, err, "key columns cannot be dropped")
}

func TestSchema_ValidateRow(t *testing.T) {
	s := testSchema()

	assert.NoError(t, s.ValidateRow(Row{int64(1), "alice", 0.5, int64(100)}))
	assert.NoError(t, s.ValidateRow(Row{int64(1), nil, nil, int64(100)}))

	assert.Error(t, s.ValidateRow(Row{int64(1), "alice"}), "wrong arity")
	assert.Error(t, s.ValidateRow(Row{nil, "alice", 0.5, int64(100)}), "NULL in non-nullable column")
	assert.Error(t, s.ValidateRow(Row{"x", "alice", 0.5, int64(100)}), "type mismatch")
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(TypeInt64, 42)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = Coerce(TypeTimestamp, time.UnixMilli(1700000000000))
	assert.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UnixNano(), v)

	v, err = Coerce(TypeFloat64, 3)
	assert.NoError(t, err)
	assert.Equal(t, float64(3), v)

	v, err = Coerce(TypeString, []byte("hi"))
	assert.NoError(t, err)
	assert.Equal(t, "hi", v)

	v, err = Coerce(TypeBinary, nil)
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = Coerce(TypeBool, "true")
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(TypeInt64, int64(1), int64(2)))
	assert.Equal(t, 0, Compare(TypeInt64, int64(2), int64(2)))
	assert.Equal(t, 1, Compare(TypeFloat64, 2.5, 1.5))
	assert.Equal(t, -1, Compare(TypeString, "a", "b"))
	assert.Equal(t, -1, Compare(TypeBool, false, true))
	assert.Equal(t, 1, Compare(TypeBinary, []byte{2}, []byte{1}))
	assert.Equal(t, 0, Compare(TypeTimestamp, int64(5), int64(5)))
}
