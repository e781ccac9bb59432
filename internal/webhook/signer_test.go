package webhook_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/llm-batchd/internal/webhook"
)

func TestSign_Deterministic(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"event":"completed"}`)
	sig := webhook.Sign("secret", 1700000000, payload)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Equal(t, sig, webhook.Sign("secret", 1700000000, payload))
}

func TestSign_TimestampBound(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"event":"completed"}`)
	a := webhook.Sign("secret", 1700000000, payload)
	b := webhook.Sign("secret", 1700000001, payload)
	assert.NotEqual(t, a, b)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"event":"failed"}`)
	sig := webhook.Sign("secret", 42, payload)
	assert.True(t, webhook.Verify("secret", 42, payload, sig))
	assert.False(t, webhook.Verify("wrong", 42, payload, sig))
	assert.False(t, webhook.Verify("secret", 43, payload, sig))
	assert.False(t, webhook.Verify("secret", 42, []byte("tampered"), sig))
}
