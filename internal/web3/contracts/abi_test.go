package contracts

import (
	"errors"
	"strings"
	"testing"

	"AP2-Chain/internal/escrow"
	xerrors "AP2-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

func parseABI(t *testing.T, raw string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse abi failed: %v", err)
	}
	return parsed
}

func TestAP2EventSignatures(t *testing.T) {
	parsed := parseABI(t, AP2ABI)

	// 事件主题必须与链上日志的 keccak 签名一致，否则解码会静默漏事件。
	signatures := map[string]string{
		"PurchaseInitiated": "PurchaseInitiated(uint256,address,uint256,uint256)",
		"PurchaseExecuted":  "PurchaseExecuted(uint256,address,address,uint256)",
		"AgentRegistered":   "AgentRegistered(address)",
		"AgentUnregistered": "AgentUnregistered(address)",
	}
	for name, signature := range signatures {
		event, ok := parsed.Events[name]
		if !ok {
			t.Fatalf("event %s missing from ABI", name)
		}
		if want := crypto.Keccak256Hash([]byte(signature)); event.ID != want {
			t.Fatalf("event %s topic = %s, want %s", name, event.ID.Hex(), want.Hex())
		}
	}
}

func TestAP2MethodSurface(t *testing.T) {
	parsed := parseABI(t, AP2ABI)

	for _, name := range []string{
		"initiatePurchase", "executePurchase", "emergencyWithdraw",
		"registerAgent", "unregisterAgent", "transferOwnership",
		"purchases", "agents", "owner",
	} {
		if _, ok := parsed.Methods[name]; !ok {
			t.Fatalf("method %s missing from ABI", name)
		}
	}
	if got := len(parsed.Methods["purchases"].Outputs); got != 7 {
		t.Fatalf("purchases getter returns %d fields, want 7", got)
	}
}

func TestERC20MethodSurface(t *testing.T) {
	parsed := parseABI(t, ERC20ABI)

	for _, name := range []string{
		"name", "symbol", "decimals", "totalSupply",
		"balanceOf", "allowance", "approve", "transfer", "transferFrom",
	} {
		if _, ok := parsed.Methods[name]; !ok {
			t.Fatalf("method %s missing from ABI", name)
		}
	}
	if want := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")); parsed.Events["Transfer"].ID != want {
		t.Fatalf("Transfer topic = %s, want %s", parsed.Events["Transfer"].ID.Hex(), want.Hex())
	}
}

func TestDecodeRevertData(t *testing.T) {
	reason, ok := DecodeRevertData(encodeRevert("Purchase already exists"))
	if !ok || reason != "Purchase already exists" {
		t.Fatalf("decoded reason = %q (%v)", reason, ok)
	}

	if _, ok := DecodeRevertData(nil); ok {
		t.Fatal("empty data should not decode")
	}
	if _, ok := DecodeRevertData([]byte{0x01, 0x02, 0x03, 0x04}); ok {
		t.Fatal("non-revert data should not decode")
	}
}

func TestReasonFromError(t *testing.T) {
	if reason, ok := ReasonFromError(&scriptedRevert{reason: "Not an authorized agent"}); !ok || reason != "Not an authorized agent" {
		t.Fatalf("structured reason = %q (%v)", reason, ok)
	}

	plain := errors.New("execution reverted: Purchase already executed")
	if reason, ok := ReasonFromError(plain); !ok || reason != "Purchase already executed" {
		t.Fatalf("inline reason = %q (%v)", reason, ok)
	}

	if _, ok := ReasonFromError(errors.New("connection refused")); ok {
		t.Fatal("transport errors carry no revert reason")
	}
	if _, ok := ReasonFromError(nil); ok {
		t.Fatal("nil error carries no revert reason")
	}
}

func TestTranslateRevertMatchesLedgerErrors(t *testing.T) {
	cases := map[string]error{
		"Purchase already exists":          escrow.ErrDuplicatePurchase,
		"Amount must be greater than zero": escrow.ErrZeroAmount,
		"Token transfer failed":            escrow.ErrTransferFailed,
		"Not an authorized agent":          escrow.ErrNotAgent,
		"Purchase does not exist":          escrow.ErrPurchaseNotFound,
		"Purchase already executed":        escrow.ErrAlreadyExecuted,
		"Emergency timeout not reached":    escrow.ErrTimeoutNotReached,
		"Ownable: caller is not the owner": escrow.ErrNotOwner,
	}
	for reason, want := range cases {
		if got := TranslateRevert(reason); !errors.Is(got, want) {
			t.Fatalf("reason %q translated to %v, want %v", reason, got, want)
		}
	}
}

func TestTranslateRevertUnknownReason(t *testing.T) {
	err := TranslateRevert("some future require message")
	if xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("unknown reason code = %s, want %s", xerrors.CodeOf(err), xerrors.CodeChainFailure)
	}
	if !strings.Contains(err.Error(), "some future require message") {
		t.Fatalf("original reason lost: %v", err)
	}
}
