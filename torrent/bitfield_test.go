package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitfieldSetGet(t *testing.T) {
	bf := NewBitfield(20)
	require.False(t, bf.Get(0))
	bf.Set(0, true)
	bf.Set(19, true)
	assert.True(t, bf.Get(0))
	assert.True(t, bf.Get(19))
	assert.False(t, bf.Get(1))
	assert.Equal(t, 2, bf.Count())
}

func TestBitfieldAll(t *testing.T) {
	bf := NewBitfield(9)
	assert.False(t, bf.All(9))
	for i := 0; i < 9; i++ {
		bf.Set(i, true)
	}
	assert.True(t, bf.All(9))
}

func TestBitfieldClone(t *testing.T) {
	bf := NewBitfield(8)
	bf.Set(3, true)
	clone := bf.Clone()
	clone.Set(4, true)
	assert.False(t, bf.Get(4))
	assert.True(t, clone.Get(3))
}

func TestBitfieldOutOfRange(t *testing.T) {
	bf := NewBitfield(8)
	assert.False(t, bf.Get(100))
	bf.Set(-1, true) // must not panic
}
