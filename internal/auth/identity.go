// Package auth 在 WebSocket 升级前解析连接携带的凭证。
package auth

import (
	"context"
	"time"
)

// 鉴权方式。
const (
	MethodNone  = "none"
	MethodJWT   = "jwt"
	MethodGuest = "guest"
)

// Identity 是鉴权得到的身份。只用于日志与审计，客户端在协议中的身份始终是 clientId。
type Identity struct {
	Subject   string
	Method    string
	Guest     bool
	ExpiresAt time.Time
}

// Anonymous 返回未开启鉴权时的身份。
func Anonymous(clientID string) Identity {
	return Identity{Subject: clientID, Method: MethodNone}
}

// Resolver 将凭证解析为身份。
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}
