// Package model 定义了与数据库表对应的数据结构
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind 标量值的类型
type ValueKind uint8

const (
	KindString ValueKind = iota + 1 // 字符串
	KindNumber                      // 数字（统一按 float64 存储）
	KindBool                        // 布尔
)

// Value 配置参数或元数据中的单个标量值
// 只允许字符串、数字、布尔三种类型，不支持嵌套对象和数组
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// String 构造字符串值
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number 构造数字值
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool 构造布尔值
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind 返回值的类型，零值返回 0
func (v Value) Kind() ValueKind { return v.kind }

// AsString 以字符串读取
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber 以数字读取
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsBool 以布尔读取
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// MarshalJSON 实现 json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON 实现 json.Unmarshaler
// 对象、数组和 null 都会被拒绝
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{', '[', 'n':
		return fmt.Errorf("unsupported value %s: only string, number and bool are allowed", string(data))
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Number(n)
	}
	return nil
}

// Params 键值映射，用于对话配置参数和消息元数据
// 仅在存储边界序列化为 JSON
type Params map[string]Value

// encodeParams 将 Params 编码为 JSON，空映射编码为 {}
func encodeParams(p Params) ([]byte, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// decodeParams 从 JSON 解码 Params，空内容返回 nil
func decodeParams(data []byte) (Params, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("{}")) {
		return nil, nil
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
