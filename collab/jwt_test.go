package collab

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func signTestJwt(t *testing.T, secret []byte, claims gojwt.MapClaims) string {
	t.Helper()

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	assert.Equal(t, err, nil)
	return token
}

func TestParseSessionJwt(t *testing.T) {
	secret := []byte("test-secret")
	token := signTestJwt(t, secret, gojwt.MapClaims{
		"user_id":  "u1",
		"username": "alice",
	})

	sessionJwt, err := ParseSessionJwt(token, secret)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionJwt.UserId, "u1")
	assert.Equal(t, sessionJwt.Username, "alice")

	// wrong secret fails verification
	_, err = ParseSessionJwt(token, []byte("other-secret"))
	assert.NotEqual(t, err, nil)

	// nil secret parses unverified
	sessionJwt, err = ParseSessionJwt(token, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionJwt.UserId, "u1")

	_, err = ParseSessionJwt("not a token", secret)
	assert.NotEqual(t, err, nil)
}
