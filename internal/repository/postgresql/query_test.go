package postgresql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrQuery(t *testing.T) {
	assert.Equal(t, "pricing | the | pro | plan", orQuery("Pricing of the PRO plan? pro!", 10))
	assert.Equal(t, "", orQuery("a b -- ?", 10))
	assert.Equal(t, "one | two", orQuery("one two three", 2))
	assert.Equal(t, "grüße | 2024", orQuery("Grüße, 2024", 10))
}
