package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jwksFixture struct {
	privateKey *rsa.PrivateKey
	domain     string
	client     *http.Client
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{"keys": []interface{}{key}})
			_, _ = w.Write(buf)
		}
	}))
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	return &jwksFixture{privateKey: privateKey, domain: u.Host, client: server.Client()}
}

func (f *jwksFixture) signToken(t *testing.T, audience string) string {
	t.Helper()
	token := jwt.New(jwt.SigningMethodRS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": audience,
		"iss": "https://" + f.domain + "/",
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := token.SignedString(f.privateKey)
	require.NoError(t, err)
	return signed
}

func TestValidator_AcceptsSignedToken(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.domain, "arena-api", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	claims, err := v.ValidateToken(f.signToken(t, "arena-api"))
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
}

func TestValidator_RejectsWrongAudience(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.domain, "arena-api", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	_, err = v.ValidateToken(f.signToken(t, "someone-else"))
	assert.Error(t, err)
}

func TestValidator_RejectsAlgorithmConfusion(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.domain, "arena-api", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	// HS256 token signed with an arbitrary secret, claiming the known kid.
	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": "arena-api",
		"iss": "https://" + f.domain + "/",
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestMockValidator_ExtractsSubject(t *testing.T) {
	token := jwt.New(jwt.SigningMethodHS256)
	token.Claims = jwt.MapClaims{"sub": "player-7", "name": "Player Seven"}
	signed, err := token.SignedString([]byte("dev-secret"))
	require.NoError(t, err)

	claims, err := (&MockValidator{}).ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "player-7", claims.Subject)
	assert.Equal(t, "Player Seven", claims.Name)
}

func TestMockValidator_FallsBackOnGarbage(t *testing.T) {
	claims, err := (&MockValidator{}).ValidateToken("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", claims.Subject)
}

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("TEST_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	origins := GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, origins)

	t.Setenv("TEST_ALLOWED_ORIGINS", "")
	origins = GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	assert.Equal(t, []string{"http://localhost:3000"}, origins)
}
