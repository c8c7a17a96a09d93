package instanceid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewGeneratesNonEmptyUniqueIDs(t *testing.T) {
	a := New()
	b := New()

	assert.NotEmpty(t, string(a))
	assert.NotEqual(t, a, b)
}

func TestStringReturnsUnderlyingValue(t *testing.T) {
	id := New()
	assert.Equal(t, string(id), id.String())
}
