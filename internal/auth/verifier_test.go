package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerifier_GenerateFormat(t *testing.T) {
	v := New("k", 0)
	v.now = fixedClock(time.Unix(1_000_000, 0))

	token := v.Generate("C", "D")
	sig, ts, ok := cut(token)
	require.True(t, ok)
	assert.Equal(t, "1000000", ts)
	assert.NotEmpty(t, sig)
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := New("k", 0)
	v.now = fixedClock(time.Unix(1_000_000, 0))

	token := v.Generate("C", "D")
	assert.True(t, v.Verify(token, "C", "D"))
}

func TestVerifier_WrongUsernameFails(t *testing.T) {
	v := New("k", 0)
	v.now = fixedClock(time.Unix(1_000_000, 0))

	token := v.Generate("C", "D")
	assert.False(t, v.Verify(token, "C", "E"))
}

func TestVerifier_ExpiredFails(t *testing.T) {
	v := New("k", 0)
	v.now = fixedClock(time.Unix(1_000_000, 0))
	token := v.Generate("C", "D")

	v.now = fixedClock(time.Unix(1_000_000+31*86400, 0))
	assert.False(t, v.Verify(token, "C", "D"))
}

func TestVerifier_MalformedTokenNeverPanics(t *testing.T) {
	v := New("k", 0)
	assert.False(t, v.Verify("not-a-token", "C", "D"))
	assert.False(t, v.Verify("", "C", "D"))
	assert.False(t, v.Verify("sig.notanumber", "C", "D"))
}

func TestAllowList(t *testing.T) {
	al := NewAllowList([]string{"dev-1", "dev-2"})
	assert.True(t, al.Allowed("dev-1"))
	assert.False(t, al.Allowed("dev-3"))

	var nilList *AllowList
	assert.False(t, nilList.Allowed("dev-1"))
}

func cut(token string) (string, string, bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
