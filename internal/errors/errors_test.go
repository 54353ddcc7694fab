package appErrors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"429 rate limit exceeded: slow down", true},
		{"429 Too Many Requests", true},
		{"upstream returned status 429", true},
		{"rate_limit_exceeded", true},
		{"invalid recipient: order-4291@example", false},
		{"mailbox 14290 is full", false},
		{"invalid recipient address", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRateLimitMessage(tt.msg), tt.msg)
	}
}

func TestClassifySendError(t *testing.T) {
	assert.True(t, IsTransient(ClassifySendError("429 rate limit exceeded")))
	assert.False(t, IsTransient(ClassifySendError("invalid recipient: order-4291@example")))
}
