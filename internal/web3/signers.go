package web3

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signers keeps the transact opts for every account this process may sign
// for: the platform agent, the contract owner, and any custodial buyer
// accounts used on local development chains. Browser-wallet buyers never
// appear here; their transactions are signed client side.
type Signers struct {
	mu      sync.RWMutex
	chainID *big.Int
	opts    map[common.Address]*bind.TransactOpts
}

// NewSigners creates an empty signer registry bound to one chain id.
func NewSigners(chainID *big.Int) *Signers {
	id := big.NewInt(1)
	if chainID != nil {
		id = new(big.Int).Set(chainID)
	}
	return &Signers{chainID: id, opts: make(map[common.Address]*bind.TransactOpts)}
}

// Add registers a signer from a hex encoded private key and returns the
// derived address.
func (s *Signers) Add(hexKey string) (common.Address, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return common.Address{}, errors.New("私钥不能为空")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return common.Address{}, fmt.Errorf("解析私钥失败: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, s.chainID)
	if err != nil {
		return common.Address{}, fmt.Errorf("构造交易签名器失败: %w", err)
	}

	s.mu.Lock()
	s.opts[auth.From] = auth
	s.mu.Unlock()
	return auth.From, nil
}

// For returns the transact opts for an address if this process holds its key.
func (s *Signers) For(address common.Address) (*bind.TransactOpts, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	auth, ok := s.opts[address]
	return auth, ok
}

// Addresses lists every address with a registered signer, sorted for
// deterministic output.
func (s *Signers) Addresses() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addresses := make([]common.Address, 0, len(s.opts))
	for address := range s.opts {
		addresses = append(addresses, address)
	}
	sort.Slice(addresses, func(i, j int) bool {
		return addresses[i].Hex() < addresses[j].Hex()
	})
	return addresses
}
