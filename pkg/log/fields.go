package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameClientID  = "clientID"
	FieldNameRoom      = "room"
	FieldNameKind      = "kind"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldClientID 返回连接所属客户端 ID 的字段。
func FieldClientID(id string) zap.Field {
	return zap.String(FieldNameClientID, id)
}

// FieldRoom 返回房间名字段（公会频道或城市广场）。
func FieldRoom(room string) zap.Field {
	return zap.String(FieldNameRoom, room)
}

// FieldKind 返回消息类型字段。
func FieldKind(kind string) zap.Field {
	return zap.String(FieldNameKind, kind)
}
