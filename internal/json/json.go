// Package json 是项目内统一的 JSON 编解码入口，底层使用 bytedance/sonic。
package json

import (
	"github.com/bytedance/sonic"
)

var (
	api = sonic.ConfigStd

	// Marshal 与 encoding/json.Marshal 行为一致。
	Marshal = api.Marshal

	// MarshalToString 将对象编码为字符串。
	MarshalToString = api.MarshalToString

	// Unmarshal 与 encoding/json.Unmarshal 行为一致。
	Unmarshal = api.Unmarshal

	// UnmarshalFromString 从字符串解码。
	UnmarshalFromString = api.UnmarshalFromString

	// NewEncoder / NewDecoder 用于流式编解码（HTTP 响应等）。
	NewEncoder = api.NewEncoder
	NewDecoder = api.NewDecoder

	// Valid 判断输入是否为合法 JSON。
	Valid = api.Valid
)
