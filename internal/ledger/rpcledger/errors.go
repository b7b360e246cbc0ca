package rpcledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	xerrors "DataSov-Bridge/internal/errors"
)

// ledgerErrorCode 是账本业务错误使用的 JSON-RPC 错误码。
const ledgerErrorCode = -32010

type errorData struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Details  []string          `json:"details,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// rpcError 让统一错误码穿过 JSON-RPC 的 error.data 字段。
type rpcError struct {
	data errorData
}

func (e *rpcError) Error() string          { return e.data.Message }
func (e *rpcError) ErrorCode() int         { return ledgerErrorCode }
func (e *rpcError) ErrorData() interface{} { return e.data }

var (
	_ rpc.Error     = (*rpcError)(nil)
	_ rpc.DataError = (*rpcError)(nil)
)

// encodeError 在服务端把账本错误转换为携带错误码的 RPC 错误。
func encodeError(err error) error {
	coded, ok := xerrors.From(err)
	if !ok {
		coded = xerrors.Wrap(xerrors.CodeUnknown, err, err.Error())
	}
	return &rpcError{data: errorData{
		Code:     string(coded.Code()),
		Message:  coded.Message(),
		Details:  coded.Details(),
		Metadata: coded.Metadata(),
	}}
}

// decodeError 在客户端还原账本错误码。没有错误码的失败原样返回，
// 由适配器按超时或传输失败归类。
func decodeError(err error, method string) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, merr := json.Marshal(dataErr.ErrorData()); merr == nil {
			var data errorData
			if json.Unmarshal(raw, &data) == nil && data.Code != "" {
				opts := []xerrors.Option{xerrors.WithDetails(data.Details...)}
				for k, v := range data.Metadata {
					opts = append(opts, xerrors.WithMetadata(k, v))
				}
				return xerrors.New(xerrors.Code(data.Code), data.Message, opts...)
			}
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}
