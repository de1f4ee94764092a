package auth

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/metrics"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/funcutil"
)

// TokenQueryParam 是握手 URL 中携带凭证的查询参数。
const TokenQueryParam = "token"

// HTTPAuthenticator 从握手请求中提取凭证并解析身份。
type HTTPAuthenticator struct {
	mode     string
	resolver Resolver
}

// NewHTTPAuthenticator 创建 HTTPAuthenticator。mode 为 none 时 resolver 可以为 nil。
func NewHTTPAuthenticator(mode string, resolver Resolver) *HTTPAuthenticator {
	return &HTTPAuthenticator{mode: mode, resolver: resolver}
}

// Authenticate 依次从查询参数 token 与 Authorization 头中读取凭证。
func (a *HTTPAuthenticator) Authenticate(r *http.Request, clientID string) (Identity, error) {
	if a.mode != ModeJWT || a.resolver == nil {
		return Anonymous(clientID), nil
	}

	token := r.URL.Query().Get(TokenQueryParam)
	if token == "" {
		token = funcutil.TrimBearer(r.Header.Get("Authorization"))
	}
	id, err := a.resolver.Resolve(r.Context(), token)
	if err != nil {
		metrics.AuthResults.WithLabelValues(methodOf(token), metrics.FailLabel).Inc()
		log.Ctx(r.Context()).RatedWarn(1, "authenticate connection failed",
			log.FieldClientID(clientID), zap.Error(err))
		return Identity{}, err
	}
	metrics.AuthResults.WithLabelValues(id.Method, metrics.SuccessLabel).Inc()
	return id, nil
}

func methodOf(token string) string {
	switch {
	case token == "":
		return MethodNone
	case IsGuestToken(token):
		return MethodGuest
	default:
		return MethodJWT
	}
}
