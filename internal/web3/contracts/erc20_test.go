package contracts

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/token"
	"AP2-Chain/internal/web3"
	"AP2-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type erc20Fixture struct {
	backend *fakeBackend
	ledger  *ERC20Ledger
	token   common.Address
	buyer   common.Address
	escrow  common.Address
}

func newERC20Fixture(t *testing.T, opts ...ERC20LedgerOption) *erc20Fixture {
	t.Helper()

	backend := newFakeBackend()
	client := ethereum.NewBackendClient("test", big.NewInt(31337), backend)
	signers := web3.NewSigners(big.NewInt(31337))

	buyer, err := signers.Add(buyerKey)
	if err != nil {
		t.Fatalf("add buyer signer failed: %v", err)
	}

	tokenAddr := common.HexToAddress("0x0000000000000000000000000000000000000e20")
	ledger, err := NewERC20Ledger(client, tokenAddr, signers, opts...)
	if err != nil {
		t.Fatalf("new erc20 ledger failed: %v", err)
	}

	return &erc20Fixture{
		backend: backend,
		ledger:  ledger,
		token:   tokenAddr,
		buyer:   buyer,
		escrow:  common.HexToAddress("0x00000000000000000000000000000000000000a2"),
	}
}

func (f *erc20Fixture) method(t *testing.T, name string) abi.Method {
	t.Helper()
	m, ok := f.ledger.Contract().ABI().Methods[name]
	if !ok {
		t.Fatalf("unknown token method %s", name)
	}
	return m
}

func TestERC20LedgerApproveSubmits(t *testing.T) {
	f := newERC20Fixture(t)

	if err := f.ledger.Approve(context.Background(), f.buyer, f.escrow, big.NewInt(100)); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	sent := f.backend.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(sent))
	}
	tx := sent[0]
	if to := tx.To(); to == nil || *to != f.token {
		t.Fatalf("transaction target = %v, want %s", tx.To(), f.token.Hex())
	}

	m := f.method(t, "approve")
	if !bytes.Equal(tx.Data()[:4], m.ID) {
		t.Fatalf("calldata selector = %x, want %x", tx.Data()[:4], m.ID)
	}
	args, err := m.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack calldata failed: %v", err)
	}
	if spender := args[0].(common.Address); spender != f.escrow {
		t.Fatalf("spender = %s, want %s", spender.Hex(), f.escrow.Hex())
	}
	if amount := args[1].(*big.Int); amount.Int64() != 100 {
		t.Fatalf("amount = %v, want 100", amount)
	}
}

func TestERC20LedgerTranslatesAllowanceRevert(t *testing.T) {
	f := newERC20Fixture(t)
	f.backend.setRevert(f.method(t, "transferFrom").ID, "ERC20: insufficient allowance")

	err := f.ledger.TransferFrom(context.Background(), f.buyer, f.buyer, f.escrow, big.NewInt(100))
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("error = %v, want insufficient allowance", err)
	}
	// 默认走 gas 估算，回滚在提交前就被拦下。
	if len(f.backend.sentTxs()) != 0 {
		t.Fatalf("sent %d transactions, want 0", len(f.backend.sentTxs()))
	}
}

func TestERC20LedgerTranslatesBalanceRevert(t *testing.T) {
	f := newERC20Fixture(t)
	f.backend.setRevert(f.method(t, "transfer").ID, "ERC20: transfer amount exceeds balance")

	err := f.ledger.Transfer(context.Background(), f.buyer, f.escrow, big.NewInt(100))
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want insufficient balance", err)
	}
}

func TestERC20LedgerStatusFailureReplaysReason(t *testing.T) {
	// 固定 gas 上限跳过估算，回滚只体现在失败回执里。
	f := newERC20Fixture(t, WithERC20GasLimit(80_000))
	f.backend.setRevert(f.method(t, "transferFrom").ID, "ERC20: insufficient allowance")

	err := f.ledger.TransferFrom(context.Background(), f.buyer, f.buyer, f.escrow, big.NewInt(100))
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("error = %v, want insufficient allowance", err)
	}
	if len(f.backend.sentTxs()) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(f.backend.sentTxs()))
	}
}

func TestERC20LedgerRequiresSigner(t *testing.T) {
	f := newERC20Fixture(t)

	stranger := common.HexToAddress("0x000000000000000000000000000000000000dead")
	err := f.ledger.Approve(context.Background(), stranger, f.escrow, big.NewInt(1))
	if xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("error code = %s, want %s", xerrors.CodeOf(err), xerrors.CodeUnauthorized)
	}
}

func TestERC20LedgerReads(t *testing.T) {
	f := newERC20Fixture(t)
	ctx := context.Background()

	balanceMethod := f.method(t, "balanceOf")
	out, err := balanceMethod.Outputs.Pack(big.NewInt(777))
	if err != nil {
		t.Fatalf("pack balance failed: %v", err)
	}
	f.backend.setReturn(balanceMethod.ID, out)

	allowanceMethod := f.method(t, "allowance")
	out, err = allowanceMethod.Outputs.Pack(big.NewInt(55))
	if err != nil {
		t.Fatalf("pack allowance failed: %v", err)
	}
	f.backend.setReturn(allowanceMethod.ID, out)

	balance, err := f.ledger.BalanceOf(ctx, f.buyer)
	if err != nil {
		t.Fatalf("balance read failed: %v", err)
	}
	if balance.Int64() != 777 {
		t.Fatalf("balance = %v, want 777", balance)
	}

	allowance, err := f.ledger.Allowance(ctx, f.buyer, f.escrow)
	if err != nil {
		t.Fatalf("allowance read failed: %v", err)
	}
	if allowance.Int64() != 55 {
		t.Fatalf("allowance = %v, want 55", allowance)
	}
}
