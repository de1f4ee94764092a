package network

import "github.com/cockroachdb/errors"

// Stage 标记一条连接上错误发生的环节，OnError 回调和日志里的 stage 字段使用它。
type Stage string

const (
	StageHandshake Stage = "handshake" // 鉴权与升级
	StageRecvRaw   Stage = "recv_raw"  // 读取 websocket 帧
	StageDecode    Stage = "decode"    // 帧 -> Envelope
	StageDispatch  Stage = "dispatch"  // Envelope -> 处理器
	StageEncode    Stage = "encode"    // Envelope -> 帧
	StageSend      Stage = "send"      // 写出 websocket 帧
)

// 各环节的哨兵错误，可用 errors.Is 判断失败环节。
var (
	ErrHandshakeFailed = errors.New("network:handshake_failed")
	ErrRecvFailed      = errors.New("network:recv_failed")
	ErrDecodeFailed    = errors.New("network:decode_failed")
	ErrDispatchFailed  = errors.New("network:dispatch_failed")
	ErrEncodeFailed    = errors.New("network:encode_failed")
	ErrSendFailed      = errors.New("network:send_failed")
)

var stageErrors = map[Stage]error{
	StageHandshake: ErrHandshakeFailed,
	StageRecvRaw:   ErrRecvFailed,
	StageDecode:    ErrDecodeFailed,
	StageDispatch:  ErrDispatchFailed,
	StageEncode:    ErrEncodeFailed,
	StageSend:      ErrSendFailed,
}

// Err 返回该环节的哨兵错误，未知环节返回 nil。
func (s Stage) Err() error {
	return stageErrors[s]
}

// Mark 给 err 打上该环节的哨兵标记，原始错误信息保持不变。
func (s Stage) Mark(err error) error {
	if err == nil {
		return nil
	}
	sentinel := s.Err()
	if sentinel == nil {
		return err
	}
	return errors.Mark(err, sentinel)
}
