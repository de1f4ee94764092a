package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

func jwtConfig() Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeJWT
	cfg.Secret = "test-secret"
	cfg.GuestLookupBackoff = time.Millisecond
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, jwtConfig().Validate())

	cfg := jwtConfig()
	cfg.Secret = ""
	assert.True(t, errors.Is(cfg.Validate(), merr.ErrParameterMissing))

	cfg = jwtConfig()
	cfg.Algorithm = "RS256"
	assert.True(t, errors.Is(cfg.Validate(), merr.ErrParameterInvalid))

	cfg = jwtConfig()
	cfg.Mode = "oauth"
	assert.True(t, errors.Is(cfg.Validate(), merr.ErrParameterInvalid))
}

func TestTokenResolver_JWT(t *testing.T) {
	r := NewTokenResolver(jwtConfig(), nil)
	token, err := r.Sign("alice", false)
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, MethodJWT, id.Method)
	assert.False(t, id.Guest)
	assert.True(t, id.ExpiresAt.After(time.Now()))

	guestToken, err := r.Sign("Guest_1234", true)
	require.NoError(t, err)
	id, err = r.Resolve(context.Background(), guestToken)
	require.NoError(t, err)
	assert.True(t, id.Guest)
}

func TestTokenResolver_JWTRejected(t *testing.T) {
	r := NewTokenResolver(jwtConfig(), nil)

	_, err := r.Resolve(context.Background(), "")
	assert.True(t, errors.Is(err, merr.ErrAuthMissingCredential))

	_, err = r.Resolve(context.Background(), "not-a-jwt")
	assert.True(t, errors.Is(err, merr.ErrAuthInvalidCredential))

	other := jwtConfig()
	other.Secret = "another-secret"
	forged, err := NewTokenResolver(other, nil).Sign("mallory", false)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), forged)
	assert.True(t, errors.Is(err, merr.ErrAuthInvalidCredential))

	expired := NewTokenResolver(jwtConfig(), nil)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Sign("bob", false)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), old)
	assert.True(t, errors.Is(err, merr.ErrAuthInvalidCredential))

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), noSub)
	assert.True(t, errors.Is(err, merr.ErrAuthInvalidCredential))

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "eve",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), none)
	assert.True(t, errors.Is(err, merr.ErrAuthInvalidCredential))
}

func TestGuestToken(t *testing.T) {
	token := NewGuestToken()
	assert.True(t, IsGuestToken(token))
	assert.Len(t, token, len(GuestTokenPrefix)+32)
	assert.False(t, IsGuestToken("guest_xyz"))
	assert.False(t, IsGuestToken("guest_"+"ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"))
	assert.False(t, IsGuestToken("user_0123456789abcdef0123456789abcdef"))
}

func TestTokenResolver_Guest(t *testing.T) {
	store := NewMemoryGuestStore()
	gs := store.Issue("")
	assert.Contains(t, gs.Name, "Guest_")

	r := NewTokenResolver(jwtConfig(), store)
	id, err := r.Resolve(context.Background(), gs.Token)
	require.NoError(t, err)
	assert.Equal(t, gs.Name, id.Subject)
	assert.Equal(t, MethodGuest, id.Method)
	assert.True(t, id.Guest)

	_, err = r.Resolve(context.Background(), NewGuestToken())
	assert.True(t, errors.Is(err, merr.ErrAuthGuestSessionNotFound))

	require.True(t, store.Deactivate(gs.Token))
	_, err = r.Resolve(context.Background(), gs.Token)
	assert.True(t, errors.Is(err, merr.ErrAuthGuestSessionNotFound))

	_, err = r.Resolve(context.Background(), "guest_short")
	assert.True(t, errors.Is(err, merr.ErrAuthInvalidCredential))
}

type flakyStore struct {
	failures int32
	calls    atomic.Int32
	inner    GuestSessionStore
}

func (s *flakyStore) Lookup(ctx context.Context, token string) (GuestSession, error) {
	if s.calls.Add(1) <= s.failures {
		return GuestSession{}, merr.WrapErrAuthBackendUnavailable(errors.New("connection refused"))
	}
	return s.inner.Lookup(ctx, token)
}

func TestTokenResolver_GuestLookupRetries(t *testing.T) {
	mem := NewMemoryGuestStore()
	gs := mem.Issue("Guest_retry")
	store := &flakyStore{failures: 2, inner: mem}

	r := NewTokenResolver(jwtConfig(), store)
	id, err := r.Resolve(context.Background(), gs.Token)
	require.NoError(t, err)
	assert.Equal(t, "Guest_retry", id.Subject)
	assert.EqualValues(t, 3, store.calls.Load())

	down := &flakyStore{failures: 100, inner: mem}
	_, err = NewTokenResolver(jwtConfig(), down).Resolve(context.Background(), gs.Token)
	assert.True(t, errors.Is(err, merr.ErrAuthBackendUnavailable))
	assert.EqualValues(t, 3, down.calls.Load())
}

func TestHTTPAuthenticator(t *testing.T) {
	resolver := NewTokenResolver(jwtConfig(), nil)
	token, err := resolver.Sign("alice", false)
	require.NoError(t, err)

	open := NewHTTPAuthenticator(ModeNone, nil)
	id, err := open.Authenticate(httptest.NewRequest(http.MethodGet, "/ws/A", nil), "A")
	require.NoError(t, err)
	assert.Equal(t, Anonymous("A"), id)

	a := NewHTTPAuthenticator(ModeJWT, resolver)

	req := httptest.NewRequest(http.MethodGet, "/ws/A?token="+token, nil)
	id, err = a.Authenticate(req, "A")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)

	req = httptest.NewRequest(http.MethodGet, "/ws/A", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	id, err = a.Authenticate(req, "A")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)

	_, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/ws/A", nil), "A")
	assert.True(t, errors.Is(err, merr.ErrAuthMissingCredential))
}
