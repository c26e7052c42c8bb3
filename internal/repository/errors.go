// Package repository 提供数据访问层的实现
package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrDuplicateKey 唯一索引冲突
// 追加消息时表示 (conversation_id, sequence) 或幂等键已被占用
var ErrDuplicateKey = errors.New("duplicate key")

// translateError 把驱动层的唯一索引错误统一为 ErrDuplicateKey
// gorm.Config.TranslateError 开启时驱动会返回 gorm.ErrDuplicatedKey，
// 未开启时按 MySQL / SQLite 的错误文本兜底识别
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	msg := err.Error()
	if strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrDuplicateKey
	}
	return err
}
