package serializer

import (
	"strings"

	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/merr"
)

// Serializer 抽象了网络层“对象 <-> 字节流”的序列化能力。
//
// 设计目标：
//   - 面向 WebSocket 文本帧，统一使用 JSON；
//   - 调用方通过接口注入具体实现，便于在 sonic 与 json-iterator 之间切换。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象。
	//
	// v 通常为指针类型，用于接收解码结果。
	Unmarshal(data []byte, v any) error

	// Name 返回实现名称，用于日志与配置。
	Name() string
}

const (
	NameSonic    = "sonic"
	NameJSONIter = "jsoniter"
)

// New 根据名称返回对应的 Serializer，空字符串表示默认的 sonic。
func New(name string) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameSonic:
		return SonicSerializer{}, nil
	case NameJSONIter:
		return JSONIterSerializer{}, nil
	default:
		return nil, merr.WrapErrParameterInvalid(NameSonic+"|"+NameJSONIter, name, "unknown serializer")
	}
}
