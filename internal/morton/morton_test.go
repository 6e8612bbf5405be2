package morton

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][3]uint32{
		{0, 0, 0},
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{511, 511, 511},
		{1023, 1023, 1023},
		{3, 5, 9},
	}
	for _, c := range cases {
		code := Encode(c[0], c[1], c[2])
		x, y, z := Decode(code)
		assert.Equal(t, c[0], x)
		assert.Equal(t, c[1], y)
		assert.Equal(t, c[2], z)
	}
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	code := Encode(MaxCoord+5, 0, 0)
	x, _, _ := Decode(code)
	assert.Equal(t, uint32(MaxCoord-1), x)
}

func TestParentChildRoundTrip(t *testing.T) {
	parent := Encode(10, 20, 30)
	children := Children(parent)
	assert.Len(t, children, 8)
	for _, c := range children {
		assert.Equal(t, parent, Parent(c, 1))
	}
}

func TestChildrenAreDistinct(t *testing.T) {
	children := Children(Encode(4, 4, 4))
	seen := map[uint32]bool{}
	for _, c := range children {
		assert.False(t, seen[c], "duplicate child code")
		seen[c] = true
	}
}

func TestNeighbors26CountAwayFromBoundary(t *testing.T) {
	code := Encode(500, 500, 500)
	assert.Len(t, Neighbors26(code), 26)
}

func TestNeighbors26ClampsAtBoundary(t *testing.T) {
	code := Encode(0, 0, 0)
	assert.Less(t, len(Neighbors26(code)), 26)
}

func TestNeighborBoundaryCheck(t *testing.T) {
	_, ok := Neighbor(Encode(0, 0, 0), -1, 0, 0)
	assert.False(t, ok)

	code, ok := Neighbor(Encode(5, 5, 5), 1, 0, 0)
	assert.True(t, ok)
	x, y, z := Decode(code)
	assert.Equal(t, uint32(6), x)
	assert.Equal(t, uint32(5), y)
	assert.Equal(t, uint32(5), z)
}
