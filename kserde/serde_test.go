package kserde

import (
	"bytes"
	"testing"

	"github.com/alecthomas/assert/v2"
)

type record struct {
	ID   uint64
	Tags []string
	Meta map[string]string
}

func TestJSON(t *testing.T) {
	s := JSON[record]()
	in := record{ID: 42, Tags: []string{"a", "b"}, Meta: map[string]string{"k": "v"}}

	b, err := s.Serializer(in)
	assert.NoError(t, err)
	out, err := s.Deserializer(b)
	assert.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = s.Deserializer([]byte("{not json"))
	assert.Error(t, err)
}

func TestUint64(t *testing.T) {
	small, err := Uint64.Serializer(2)
	assert.NoError(t, err)
	large, err := Uint64.Serializer(1 << 40)
	assert.NoError(t, err)
	assert.True(t, bytes.Compare(small, large) < 0)

	v, err := Uint64.Deserializer(large)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1<<40), v)

	_, err = Uint64.Deserializer([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestVector(t *testing.T) {
	in := []float32{0.5, -1, 3.25}
	b, err := Vector.Serializer(in)
	assert.NoError(t, err)
	assert.Equal(t, 12, len(b))

	out, err := Vector.Deserializer(b)
	assert.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Vector.Deserializer([]byte{1, 2, 3})
	assert.Error(t, err)
}
