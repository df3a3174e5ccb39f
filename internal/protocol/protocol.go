// Package protocol 定义与权威端（执行终端）之间的文本报文格式。
//
// 所有报文都是单条 JSON 文本：
//   - SYNC_ALL 请求/应答：全量同步账户与持仓
//   - ORDER 请求/应答：下单/平仓
//   - TICK 广播：单向行情，只作为时序信号使用
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	ActionSyncAll = "SYNC_ALL"
	ActionOrder   = "ORDER"

	MessageTypeTick = "TICK"
)

var (
	// ErrResponseFormat 应答报文格式错误（本次尝试不可恢复，绝不污染缓存）
	ErrResponseFormat = errors.New("response format error")
	// ErrAuthorityError 权威端明确返回 ERROR
	ErrAuthorityError = errors.New("authority returned error")
)

// FormatError 携带原始报文的格式错误，便于完整记录日志。
type FormatError struct {
	Reason  string
	Payload string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", ErrResponseFormat.Error(), e.Reason)
}

// Unwrap 使 errors.Is(err, ErrResponseFormat) 成立
func (e *FormatError) Unwrap() error {
	return ErrResponseFormat
}

// formatErrorf 保留完整原始报文（Error() 不包含报文，只在日志字段里输出）
func formatErrorf(payload []byte, format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...), Payload: string(payload)}
}

// AuthorityError 权威端返回的业务错误
type AuthorityError struct {
	Message string
	Retcode *int
}

func (e *AuthorityError) Error() string {
	if e.Retcode != nil {
		return fmt.Sprintf("%s: %s (retcode=%d)", ErrAuthorityError.Error(), e.Message, *e.Retcode)
	}
	return fmt.Sprintf("%s: %s", ErrAuthorityError.Error(), e.Message)
}

// Unwrap 使 errors.Is(err, ErrAuthorityError) 成立
func (e *AuthorityError) Unwrap() error {
	return ErrAuthorityError
}

// CheckPayload 传输层的最低限度校验：非空且是合法 JSON
func CheckPayload(payload []byte) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return formatErrorf(payload, "empty payload")
	}
	if !json.Valid(payload) {
		return formatErrorf(payload, "payload is not valid json")
	}
	return nil
}
