package gateway

import (
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *[32]byte {
	t.Helper()
	var k [32]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return &k
}

func TestSealCredentials_RoundTrip(t *testing.T) {
	key := testKey(t)
	now := time.Now()

	token, err := sealCredentials(key, "jdoe", "p:ss", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, isPseudoToken(token))
	assert.NotContains(t, token, "jdoe")

	user, pass, err := openCredentials(key, token, now)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", user)
	assert.Equal(t, "p:ss", pass)
}

func TestOpenCredentials_Rejects(t *testing.T) {
	key := testKey(t)
	now := time.Now()
	token, err := sealCredentials(key, "jdoe", "pw", now.Add(time.Minute))
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[len(tampered)-2] ^= 0x01

	tests := []struct {
		name  string
		key   *[32]byte
		token string
		now   time.Time
		want  error
	}{
		{"other key", testKey(t), token, now, errPseudoTokenInvalid},
		{"tampered", key, string(tampered), now, errPseudoTokenInvalid},
		{"no prefix", key, strings.TrimPrefix(token, pseudoTokenPrefix), now, errPseudoTokenInvalid},
		{"garbage", key, pseudoTokenPrefix + "!!", now, errPseudoTokenInvalid},
		{"expired", key, token, now.Add(time.Minute), errPseudoTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := openCredentials(tt.key, tt.token, tt.now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
