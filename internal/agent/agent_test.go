package agent

import (
	"context"
	stdErrors "errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AP2-Chain/internal/escrow"
	"AP2-Chain/internal/observability/alerting"
	"AP2-Chain/internal/settlement"
	"AP2-Chain/internal/token"
)

func testAddr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

type recordingNotifier struct {
	mu          sync.Mutex
	initiations map[string]int
	confirms    map[string]string
	confirmErr  error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		initiations: make(map[string]int),
		confirms:    make(map[string]string),
	}
}

func (n *recordingNotifier) RecordInitiation(_ context.Context, purchaseID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initiations[purchaseID]++
	return nil
}

func (n *recordingNotifier) ConfirmExecution(_ context.Context, purchaseID, _, executedBy string) (*settlement.Settlement, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.confirmErr != nil {
		err := n.confirmErr
		n.confirmErr = nil
		return nil, err
	}
	n.confirms[purchaseID] = executedBy
	return nil, nil
}

func (n *recordingNotifier) confirmedBy(purchaseID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	executedBy, ok := n.confirms[purchaseID]
	return executedBy, ok
}

func (n *recordingNotifier) initiationCount(purchaseID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initiations[purchaseID]
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type executorFixture struct {
	owner     common.Address
	buyer     common.Address
	agentAddr common.Address
	recipient common.Address
	tokenAddr common.Address
	vault     *token.Vault
	ledger    *escrow.Ledger
	notifier  *recordingNotifier
	alerts    *recordingDispatcher
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	f := &executorFixture{
		owner:     testAddr(0x01),
		buyer:     testAddr(0x02),
		agentAddr: testAddr(0x03),
		recipient: testAddr(0x04),
		tokenAddr: testAddr(0x05),
		vault:     token.NewVault(),
		notifier:  newRecordingNotifier(),
		alerts:    &recordingDispatcher{},
	}
	f.ledger = escrow.NewLedger(f.owner, f.vault, escrow.NewMemoryRegistry())
	f.vault.Mint(f.buyer, big.NewInt(3000))
	if err := f.vault.Approve(context.Background(), f.buyer, f.ledger.Address(), big.NewInt(3000)); err != nil {
		t.Fatalf("approve escrow: %v", err)
	}
	return f
}

func (f *executorFixture) initiate(t *testing.T, id int64) string {
	t.Helper()
	purchaseID := big.NewInt(id)
	err := f.ledger.InitiatePurchase(context.Background(), f.buyer, purchaseID, f.tokenAddr, big.NewInt(1000), f.recipient, big.NewInt(42))
	if err != nil {
		t.Fatalf("initiate purchase %d: %v", id, err)
	}
	return common.BigToHash(purchaseID).Hex()
}

func (f *executorFixture) newExecutor(opts ...Option) *Executor {
	base := []Option{
		WithSettlementNotifier(f.notifier),
		WithAlertDispatcher(f.alerts),
		WithPollInterval(20 * time.Millisecond),
	}
	return New(f.ledger, f.agentAddr, append(base, opts...)...)
}

func (f *executorFixture) start(ctx context.Context, t *testing.T, executor *Executor) {
	t.Helper()
	go func() {
		if err := executor.Run(ctx); err != nil &&
			!stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, context.DeadlineExceeded) {
			t.Errorf("executor exited: %v", err)
		}
	}()
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool, message string) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if check() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(message)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestExecutorExecutesBackloggedPurchase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newExecutorFixture(t)
	if err := f.ledger.RegisterAgent(ctx, f.owner, f.agentAddr); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	purchaseHex := f.initiate(t, 1)

	executor := f.newExecutor()
	f.start(ctx, t, executor)

	waitFor(t, 3*time.Second, func() bool {
		executedBy, ok := f.notifier.confirmedBy(purchaseHex)
		return ok && executedBy == f.agentAddr.Hex()
	}, "purchase was not executed and reported")

	record, err := f.ledger.GetPurchase(ctx, big.NewInt(1))
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if !record.Executed {
		t.Fatal("purchase must be executed on the ledger")
	}
	if f.notifier.initiationCount(purchaseHex) == 0 {
		t.Fatal("initiation must be reported")
	}
	if len(f.alerts.snapshot()) != 0 {
		t.Fatalf("unexpected alerts: %+v", f.alerts.snapshot())
	}
	if status := executor.Status(); status.Pending != 0 || status.Executed != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestExecutorRetriesUntilAuthorized(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newExecutorFixture(t)
	purchaseHex := f.initiate(t, 1)

	executor := f.newExecutor()
	f.start(ctx, t, executor)

	waitFor(t, 3*time.Second, func() bool {
		return len(f.alerts.snapshot()) > 0
	}, "unauthorized execution must raise an alert")

	alerts := f.alerts.snapshot()
	if alerts[0].Code != escrow.CodeNotAgent {
		t.Fatalf("unexpected alert code: %s", alerts[0].Code)
	}
	record, err := f.ledger.GetPurchase(ctx, big.NewInt(1))
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if record.Executed {
		t.Fatal("unauthorized agent must not execute")
	}

	// 授权修复后，重试会完成执行。
	if err := f.ledger.RegisterAgent(ctx, f.owner, f.agentAddr); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		_, ok := f.notifier.confirmedBy(purchaseHex)
		return ok
	}, "execution must resume after authorization")

	if got := len(f.alerts.snapshot()); got != 1 {
		t.Fatalf("expected a single alert, got %d", got)
	}
}

func TestExecutorAdoptsForeignExecution(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newExecutorFixture(t)
	rival := testAddr(0x06)
	if err := f.ledger.RegisterAgent(ctx, f.owner, rival); err != nil {
		t.Fatalf("register rival agent: %v", err)
	}
	purchaseHex := f.initiate(t, 1)
	if err := f.ledger.ExecutePurchase(ctx, rival, big.NewInt(1)); err != nil {
		t.Fatalf("rival execute: %v", err)
	}

	executor := f.newExecutor()
	f.start(ctx, t, executor)

	waitFor(t, 3*time.Second, func() bool {
		executedBy, ok := f.notifier.confirmedBy(purchaseHex)
		return ok && executedBy == rival.Hex()
	}, "foreign execution must still be reported")

	if len(f.alerts.snapshot()) != 0 {
		t.Fatalf("unexpected alerts: %+v", f.alerts.snapshot())
	}
	if status := executor.Status(); status.Pending != 0 || status.Executed != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestExecutorRetriesFailedConfirmation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newExecutorFixture(t)
	if err := f.ledger.RegisterAgent(ctx, f.owner, f.agentAddr); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	f.notifier.confirmErr = stdErrors.New("账务服务不可用")
	purchaseHex := f.initiate(t, 1)

	executor := f.newExecutor()
	f.start(ctx, t, executor)

	waitFor(t, 3*time.Second, func() bool {
		_, ok := f.notifier.confirmedBy(purchaseHex)
		return ok
	}, "confirmation must be retried after a failure")
}

func TestFileCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "cursor")
	cursor := NewFileCursor(path)

	block, err := cursor.Load(ctx)
	if err != nil {
		t.Fatalf("load missing cursor: %v", err)
	}
	if block != 0 {
		t.Fatalf("missing cursor must read as zero, got %d", block)
	}

	if err := cursor.Save(ctx, 42); err != nil {
		t.Fatalf("save cursor: %v", err)
	}
	block, err = cursor.Load(ctx)
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if block != 42 {
		t.Fatalf("cursor = %d, want 42", block)
	}
}
