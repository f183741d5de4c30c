package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Artifact is a compiled contract as emitted by Hardhat style toolchains,
// carrying the ABI alongside the creation bytecode. Deployment tooling loads
// these from the contract build directory instead of embedding bytecode.
type Artifact struct {
	ContractName string
	ABI          string
	Bytecode     []byte
}

type rawArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// ParseArtifact decodes a build artifact from its JSON encoding.
func ParseArtifact(data []byte) (*Artifact, error) {
	var raw rawArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析合约构建产物失败: %w", err)
	}
	if len(raw.ABI) == 0 {
		return nil, errors.New("构建产物缺少 ABI")
	}

	bytecode := strings.TrimSpace(raw.Bytecode)
	if bytecode == "" || bytecode == "0x" {
		return nil, errors.New("构建产物缺少字节码")
	}
	if !strings.HasPrefix(bytecode, "0x") {
		bytecode = "0x" + bytecode
	}
	code, err := hexutil.Decode(bytecode)
	if err != nil {
		return nil, fmt.Errorf("解析合约字节码失败: %w", err)
	}

	return &Artifact{
		ContractName: raw.ContractName,
		ABI:          string(raw.ABI),
		Bytecode:     code,
	}, nil
}

// LoadArtifact reads and decodes a build artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取合约构建产物失败: %w", err)
	}
	artifact, err := ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return artifact, nil
}
