package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	// Time-ordered: later ids sort after earlier ones.
	assert.LessOrEqual(t, a, b)
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("e")
	assert.Equal(t, "e-1", g.Generate())
	assert.Equal(t, "e-2", g.Generate())
}
