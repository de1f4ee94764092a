package config

import (
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/json"
)

// SchemaID 是生成的配置 JSON Schema 的 $id。
const SchemaID = "https://hemoclast.online/schemas/realtime-config.json"

// Schema 生成配置文件的 JSON Schema，字段名与 YAML 键一致（mapstructure 标签）。
// 时长字段在文件中写作 "10s" 一类的字符串。
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:              "mapstructure",
		AllowAdditionalProperties: true,
		DoNotReference:            true,
		Mapper:                    mapDuration,
	}
	s := r.Reflect(&Config{})
	s.ID = SchemaID
	s.Title = "hemoclast realtime configuration"

	out, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config schema")
	}
	return out, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func mapDuration(t reflect.Type) *jsonschema.Schema {
	if t != durationType {
		return nil
	}
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 250ms or 10s",
	}
}
