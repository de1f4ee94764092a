package serializer

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/json"
)

// SonicSerializer 使用 internal/json（基于 bytedance/sonic）实现 JSON 编解码。
type SonicSerializer struct{}

// 编译期断言：确保 SonicSerializer 实现了 Serializer 接口。
var _ Serializer = (*SonicSerializer)(nil)

func (SonicSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (SonicSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (SonicSerializer) Name() string { return NameSonic }

// JSONIterSerializer 使用 json-iterator 的标准库兼容配置，
// 在 sonic 不支持的平台上作为备选。
type JSONIterSerializer struct{}

var _ Serializer = (*JSONIterSerializer)(nil)

var jsoniterAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSONIterSerializer) Marshal(v any) ([]byte, error) {
	return jsoniterAPI.Marshal(v)
}

func (JSONIterSerializer) Unmarshal(data []byte, v any) error {
	return jsoniterAPI.Unmarshal(data, v)
}

func (JSONIterSerializer) Name() string { return NameJSONIter }
