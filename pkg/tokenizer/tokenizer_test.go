package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("abc"))
	assert.Equal(t, 1, Estimate("abcd"))
	assert.Equal(t, 2, Estimate("abcde"))
	assert.Equal(t, 1, Estimate("合同"))
}

func TestZeroCounterFallsBack(t *testing.T) {
	var c *Counter
	assert.Equal(t, 3, c.Count("twelve chars"))
	assert.Equal(t, 3, (&Counter{}).Count("twelve chars"))
}
