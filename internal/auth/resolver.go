package auth

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/retry"
)

// 鉴权模式。
const (
	ModeNone = "none"
	ModeJWT  = "jwt"
)

// Config 描述连接鉴权配置。
type Config struct {
	// Mode 为 none 时不校验凭证，为 jwt 时要求 JWT 或游客凭证。
	Mode string `mapstructure:"mode"`
	// Secret 为 HMAC 签名密钥。
	Secret string `mapstructure:"secret"`
	// Algorithm 为允许的签名算法，目前只支持 HMAC 系列。
	Algorithm string `mapstructure:"algorithm"`
	// TokenTTL 为 Sign 签发令牌的有效期。
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// GuestLookupAttempts 为查询游客会话的最大尝试次数。
	GuestLookupAttempts uint `mapstructure:"guest_lookup_attempts"`
	// GuestLookupBackoff 为查询游客会话重试的初始间隔。
	GuestLookupBackoff time.Duration `mapstructure:"guest_lookup_backoff"`
}

// DefaultConfig 返回默认鉴权配置。
func DefaultConfig() Config {
	return Config{
		Mode:                ModeNone,
		Algorithm:           jwt.SigningMethodHS256.Alg(),
		TokenTTL:            30 * time.Minute,
		GuestLookupAttempts: 3,
		GuestLookupBackoff:  50 * time.Millisecond,
	}
}

// Validate 检查配置取值。
func (c Config) Validate() error {
	switch c.Mode {
	case ModeNone:
		return nil
	case ModeJWT:
	default:
		return merr.WrapErrParameterInvalid(ModeNone+"|"+ModeJWT, c.Mode, "auth.mode")
	}
	if c.Secret == "" {
		return merr.WrapErrParameterMissing("auth.secret")
	}
	if _, ok := jwt.GetSigningMethod(c.Algorithm).(*jwt.SigningMethodHMAC); !ok {
		return merr.WrapErrParameterInvalid("HS256|HS384|HS512", c.Algorithm, "auth.algorithm")
	}
	return nil
}

// Claims 是签发与校验时使用的声明。
type Claims struct {
	Guest bool `json:"guest,omitempty"`
	jwt.RegisteredClaims
}

// TokenResolver 支持两类凭证：
//   - JWT：按配置算法校验签名与过期时间，sub 为身份主体；
//   - 游客凭证 guest_<32 位十六进制>：通过 GuestSessionStore 查询，后端暂不可用时重试。
type TokenResolver struct {
	cfg    Config
	secret []byte
	guests GuestSessionStore
	parser *jwt.Parser
	now    func() time.Time
}

var _ Resolver = (*TokenResolver)(nil)

// NewTokenResolver 创建 TokenResolver。guests 为 nil 时拒绝所有游客凭证。
func NewTokenResolver(cfg Config, guests GuestSessionStore) *TokenResolver {
	if cfg.Algorithm == "" {
		cfg.Algorithm = jwt.SigningMethodHS256.Alg()
	}
	return &TokenResolver{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		guests: guests,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{cfg.Algorithm}),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}
}

// Resolve 实现 Resolver.Resolve。
func (r *TokenResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, merr.WrapErrAuthMissingCredential()
	}
	if strings.HasPrefix(token, GuestTokenPrefix) {
		return r.resolveGuest(ctx, token)
	}
	return r.resolveJWT(token)
}

func (r *TokenResolver) resolveJWT(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := r.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		reason := "token is invalid"
		if err != nil {
			reason = err.Error()
		}
		return Identity{}, merr.WrapErrAuthInvalidCredential(reason)
	}
	if claims.Subject == "" {
		return Identity{}, merr.WrapErrAuthInvalidCredential("missing sub claim")
	}
	id := Identity{
		Subject: claims.Subject,
		Method:  MethodJWT,
		Guest:   claims.Guest,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func (r *TokenResolver) resolveGuest(ctx context.Context, token string) (Identity, error) {
	if !IsGuestToken(token) {
		return Identity{}, merr.WrapErrAuthInvalidCredential("malformed guest token")
	}
	if r.guests == nil {
		return Identity{}, merr.WrapErrAuthGuestSessionNotFound(token, "guest sessions disabled")
	}

	var gs GuestSession
	attempts := r.cfg.GuestLookupAttempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(ctx, func() error {
		var err error
		gs, err = r.guests.Lookup(ctx, token)
		return err
	},
		retry.Attempts(attempts),
		retry.Sleep(r.cfg.GuestLookupBackoff),
		retry.RetryErr(merr.IsRetryableErr),
	)
	if err != nil {
		if merr.IsRetryableErr(err) || errors.Is(err, merr.ErrAuthGuestSessionNotFound) {
			return Identity{}, err
		}
		return Identity{}, merr.WrapErrAuthBackendUnavailable(err)
	}
	return Identity{Subject: gs.Name, Method: MethodGuest, Guest: true}, nil
}

// Sign 为 subject 签发 JWT，用于运维工具与测试。
func (r *TokenResolver) Sign(subject string, guest bool) (string, error) {
	now := r.now()
	ttl := r.cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().TokenTTL
	}
	claims := Claims{
		Guest: guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	method := jwt.GetSigningMethod(r.cfg.Algorithm)
	if method == nil {
		return "", merr.WrapErrParameterInvalid("HS256|HS384|HS512", r.cfg.Algorithm, "auth.algorithm")
	}
	return jwt.NewWithClaims(method, claims).SignedString(r.secret)
}
