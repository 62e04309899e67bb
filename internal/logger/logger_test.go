package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"user_id", "101372bd-d678-4d37-a004-da061399d5a0",
		"access_token", "abc.def.ghi",
		"barcode", "5449000131805",
		"dangling",
	})

	assert.Len(t, out, 7)
	assert.Equal(t, HashValue("101372bd-d678-4d37-a004-da061399d5a0"), out[1])
	assert.Regexp(t, `^hash:[0-9a-f]{12}$`, out[1])
	assert.Equal(t, "[REDACTED]", out[3])
	assert.Equal(t, "5449000131805", out[5])
	assert.Equal(t, "dangling", out[6])
}

func TestHashValueEmpty(t *testing.T) {
	assert.Equal(t, "", HashValue(""))
	assert.Equal(t, "", HashValue(nil))
}
