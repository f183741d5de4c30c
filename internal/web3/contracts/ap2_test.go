package contracts

import (
	"math/big"
	"testing"

	"AP2-Chain/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

func topicAddress(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func TestParseEventPurchaseExecuted(t *testing.T) {
	contractAddr := common.HexToAddress("0xa2")
	contract, err := NewAP2Contract(contractAddr, nil)
	if err != nil {
		t.Fatalf("bind contract failed: %v", err)
	}

	agent := common.HexToAddress("0x03")
	recipient := common.HexToAddress("0x04")
	event := contract.ABI().Events["PurchaseExecuted"]
	data, err := event.Inputs.NonIndexed().Pack(recipient, big.NewInt(250))
	if err != nil {
		t.Fatalf("pack event data failed: %v", err)
	}

	decoded, ok, err := contract.ParseEvent(coretypes.Log{
		Address:     contractAddr,
		Topics:      []common.Hash{event.ID, common.BigToHash(big.NewInt(9)), topicAddress(agent)},
		Data:        data,
		BlockNumber: 12,
		TxHash:      common.HexToHash("0x02"),
	})
	if err != nil || !ok {
		t.Fatalf("parse failed: ok=%v err=%v", ok, err)
	}
	if decoded.Kind != escrow.EventPurchaseExecuted {
		t.Fatalf("kind = %s, want %s", decoded.Kind, escrow.EventPurchaseExecuted)
	}
	if decoded.PurchaseID.Int64() != 9 || decoded.Agent != agent || decoded.Recipient != recipient {
		t.Fatalf("decoded identity = %+v", decoded)
	}
	if decoded.Amount.Int64() != 250 || decoded.BlockNo != 12 {
		t.Fatalf("decoded payload = %+v", decoded)
	}
}

func TestParseEventAgentLifecycle(t *testing.T) {
	contractAddr := common.HexToAddress("0xa2")
	contract, err := NewAP2Contract(contractAddr, nil)
	if err != nil {
		t.Fatalf("bind contract failed: %v", err)
	}
	agent := common.HexToAddress("0x03")

	cases := map[string]escrow.EventKind{
		"AgentRegistered":   escrow.EventAgentRegistered,
		"AgentUnregistered": escrow.EventAgentUnregistered,
	}
	for name, kind := range cases {
		event := contract.ABI().Events[name]
		decoded, ok, err := contract.ParseEvent(coretypes.Log{
			Address: contractAddr,
			Topics:  []common.Hash{event.ID, topicAddress(agent)},
		})
		if err != nil || !ok {
			t.Fatalf("%s: parse failed: ok=%v err=%v", name, ok, err)
		}
		if decoded.Kind != kind || decoded.Agent != agent {
			t.Fatalf("%s: decoded = %+v", name, decoded)
		}
	}
}

func TestParseEventIgnoresForeignLogs(t *testing.T) {
	contract, err := NewAP2Contract(common.HexToAddress("0xa2"), nil)
	if err != nil {
		t.Fatalf("bind contract failed: %v", err)
	}

	// 别的合约发出的日志。
	event := contract.ABI().Events["AgentRegistered"]
	if _, ok, _ := contract.ParseEvent(coretypes.Log{
		Address: common.HexToAddress("0x0f"),
		Topics:  []common.Hash{event.ID, topicAddress(common.HexToAddress("0x03"))},
	}); ok {
		t.Fatal("foreign contract log should be ignored")
	}

	// 本合约但主题未知的日志。
	if _, ok, _ := contract.ParseEvent(coretypes.Log{
		Address: common.HexToAddress("0xa2"),
		Topics:  []common.Hash{common.HexToHash("0x01")},
	}); ok {
		t.Fatal("unknown topic should be ignored")
	}
}
