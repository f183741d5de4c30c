package contracts

import (
	"errors"
	"fmt"
	"strings"

	"AP2-Chain/internal/escrow"
	xerrors "AP2-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// revertPrefix is how execution clients phrase revert errors in RPC messages
// when they inline the reason instead of attaching return data.
const revertPrefix = "execution reverted"

// DecodeRevertData extracts the require message from raw Error(string)
// return data. Empty data and non-standard encodings return false.
func DecodeRevertData(data []byte) (string, bool) {
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}

// ReasonFromError digs the revert message out of an RPC error. Nodes attach
// the raw return data as structured error data, in-process backends inline
// the message after the "execution reverted" prefix.
func ReasonFromError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		switch payload := dataErr.ErrorData().(type) {
		case string:
			if raw, decodeErr := hexutil.Decode(payload); decodeErr == nil {
				if reason, ok := DecodeRevertData(raw); ok {
					return reason, true
				}
			}
		case []byte:
			if reason, ok := DecodeRevertData(payload); ok {
				return reason, true
			}
		}
	}

	message := err.Error()
	idx := strings.Index(message, revertPrefix)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(message[idx+len(revertPrefix):], ":"))
	if rest == "" {
		return "", false
	}
	return rest, true
}

// TranslateRevert converts a contract revert reason into the coded error the
// in-process ledger raises for the same condition, so callers handle both
// modes identically. Unknown reasons keep the original text.
func TranslateRevert(reason string) error {
	if code, ok := escrow.CodeForReason(reason); ok {
		return xerrors.New(code, "")
	}
	return xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("合约回滚: %s", reason))
}

// TranslateError combines ReasonFromError and TranslateRevert for errors
// returned by gas estimation or eth_call, falling back to a wrapped chain
// failure when no revert reason can be recovered.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if reason, ok := ReasonFromError(err); ok {
		return TranslateRevert(reason)
	}
	return xerrors.Wrap(xerrors.CodeChainFailure, err, "链上调用失败")
}
