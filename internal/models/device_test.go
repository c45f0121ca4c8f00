package models

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFallbackToken(t *testing.T) {
	payload := `{"platform":"android","deviceId":"abc-123"}`

	for name, enc := range map[string]*base64.Encoding{
		"std":     base64.StdEncoding,
		"raw-std": base64.RawStdEncoding,
		"url":     base64.URLEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			ft, ok := ParseFallbackToken(enc.EncodeToString([]byte(payload)))
			assert.True(t, ok)
			assert.Equal(t, FallbackToken{Platform: "android", DeviceID: "abc-123"}, ft)
		})
	}

	_, ok := ParseFallbackToken(base64.StdEncoding.EncodeToString([]byte(`{"platform":"android"}`)))
	assert.False(t, ok, "deviceId is required")

	_, ok = ParseFallbackToken("AgAAAOPaqVJ7+attestation/token")
	assert.False(t, ok)
}

func TestFallbackDeviceKeyIsStable(t *testing.T) {
	assert.Equal(t, FallbackDeviceKey("token"), FallbackDeviceKey(" token "))
	assert.Len(t, FallbackDeviceKey("token"), 64)
	assert.NotEqual(t, FallbackDeviceKey("a"), FallbackDeviceKey("b"))
}
