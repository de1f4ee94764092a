// Package config 汇总实时服务各组件的配置，并负责默认值、环境变量覆盖与校验。
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/auth"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/broadcast"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/acceptor"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/presence"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/protocol"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
	zviper "github.com/lk2023060901/hemoclast-realtime-go/pkg/util/viper"
)

// EnvPrefix 是环境变量前缀，例如 HEMOCLAST_SERVER_HTTP_ADDR 覆盖 server.http_addr。
const EnvPrefix = "HEMOCLAST"

// ServerConfig 描述监听地址与退出参数。
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// AdminAddr 为 gRPC 运维接口地址，为空表示不启动。默认只监听回环地址。
	AdminAddr string `mapstructure:"admin_addr"`
	// AdminToken 非空时，运维接口要求请求元数据 authorization 为 "Bearer <token>"。
	// 监听非回环地址时必须设置。
	AdminToken      string        `mapstructure:"admin_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Config 是实时服务的完整配置。
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	WebSocket acceptor.Config  `mapstructure:"websocket"`
	Broadcast broadcast.Config `mapstructure:"broadcast"`
	Protocol  protocol.Config  `mapstructure:"protocol"`
	Rooms     presence.Limits  `mapstructure:"rooms"`
	Auth      auth.Config      `mapstructure:"auth"`
}

// Defaults 返回默认配置。
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8000",
			AdminAddr:       "127.0.0.1:9090",
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: acceptor.DefaultConfig(),
		Broadcast: broadcast.DefaultConfig(),
		Protocol:  protocol.DefaultConfig(),
		Rooms:     presence.DefaultLimits(),
		Auth:      auth.DefaultConfig(),
	}
}

// defaultValues 把默认配置展开为点号路径，环境变量只对已知 key 生效。
func defaultValues(d Config) map[string]any {
	return map[string]any{
		"server.http_addr":        d.Server.HTTPAddr,
		"server.admin_addr":       d.Server.AdminAddr,
		"server.admin_token":      d.Server.AdminToken,
		"server.shutdown_timeout": d.Server.ShutdownTimeout,

		"websocket.read_limit":         d.WebSocket.ReadLimit,
		"websocket.pong_timeout":       d.WebSocket.PongTimeout,
		"websocket.ping_interval":      d.WebSocket.PingInterval,
		"websocket.write_timeout":      d.WebSocket.WriteTimeout,
		"websocket.handshake_timeout":  d.WebSocket.HandshakeTimeout,
		"websocket.send_queue_size":    d.WebSocket.SendQueueSize,
		"websocket.read_buffer_size":   d.WebSocket.ReadBufferSize,
		"websocket.write_buffer_size":  d.WebSocket.WriteBufferSize,
		"websocket.allowed_origins":    append([]string{}, d.WebSocket.AllowedOrigins...),
		"websocket.enable_compression": d.WebSocket.EnableCompression,

		"broadcast.send_timeout":       d.Broadcast.SendTimeout,
		"broadcast.parallel_threshold": d.Broadcast.ParallelThreshold,
		"broadcast.pool_size":          d.Broadcast.PoolSize,

		"protocol.decode_fallback": d.Protocol.DecodeFallback,
		"protocol.serializer":      d.Protocol.Serializer,

		"rooms.guild_max_members": d.Rooms.GuildMaxMembers,
		"rooms.city_max_players":  d.Rooms.CityMaxPlayers,

		"auth.mode":                  d.Auth.Mode,
		"auth.secret":                d.Auth.Secret,
		"auth.algorithm":             d.Auth.Algorithm,
		"auth.token_ttl":             d.Auth.TokenTTL,
		"auth.guest_lookup_attempts": d.Auth.GuestLookupAttempts,
		"auth.guest_lookup_backoff":  d.Auth.GuestLookupBackoff,
	}
}

// Load 依次应用默认值、配置文件（已由调用方加载到 v 中）与环境变量，然后校验。
func Load(v *zviper.Config) (Config, error) {
	if v == nil {
		v = zviper.New()
	}
	v.SetDefaults(defaultValues(Defaults()))
	v.BindEnv(EnvPrefix)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Protocol.DecodeFallback = strings.ToLower(strings.TrimSpace(c.Protocol.DecodeFallback))
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	// 环境变量中的列表以逗号分隔。
	var origins []string
	for _, o := range c.WebSocket.AllowedOrigins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	c.WebSocket.AllowedOrigins = origins
}

// Validate 校验各个分节。
func (c Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return merr.WrapErrParameterMissing("server.http_addr")
	}
	if c.Server.AdminAddr != "" && c.Server.AdminToken == "" && !loopback(c.Server.AdminAddr) {
		return merr.WrapErrParameterMissing("server.admin_token", "required when server.admin_addr is not a loopback address")
	}
	if c.Server.ShutdownTimeout < 0 {
		return merr.WrapErrParameterInvalidRange(time.Duration(0), time.Hour, c.Server.ShutdownTimeout, "server.shutdown_timeout")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return merr.WrapErrParameterInvalid("> 0", fmt.Sprint(c.WebSocket.ReadLimit), "websocket.read_limit")
	}
	if c.WebSocket.SendQueueSize <= 0 {
		return merr.WrapErrParameterInvalid("> 0", fmt.Sprint(c.WebSocket.SendQueueSize), "websocket.send_queue_size")
	}
	if c.WebSocket.PingInterval > 0 && c.WebSocket.PongTimeout > 0 && c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return merr.WrapErrParameterInvalidMsg("websocket.ping_interval (%s) must be shorter than websocket.pong_timeout (%s)",
			c.WebSocket.PingInterval, c.WebSocket.PongTimeout)
	}
	if c.Broadcast.SendTimeout < 0 || c.Broadcast.ParallelThreshold < 0 || c.Broadcast.PoolSize < 0 {
		return merr.WrapErrParameterInvalidMsg("broadcast settings must not be negative")
	}
	if c.Rooms.GuildMaxMembers < 0 || c.Rooms.CityMaxPlayers < 0 {
		return merr.WrapErrParameterInvalidMsg("room limits must not be negative")
	}
	if err := c.Protocol.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// loopback 判断监听地址是否只绑定回环网卡，主机名只认 localhost。
func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
