package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/escrow"
	"AP2-Chain/internal/observability/alerting"
	"AP2-Chain/internal/token"
)

func testAddr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

// callLog 按发生顺序记录跨组件的调用，用来断言协议步骤的先后关系。
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type scriptedTokens struct {
	log        *callLog
	mu         sync.Mutex
	allowance  *big.Int
	balance    *big.Int
	approveErr error
}

func (s *scriptedTokens) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	s.log.add("balance")
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance), nil
}

func (s *scriptedTokens) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	s.log.add("allowance")
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.allowance), nil
}

func (s *scriptedTokens) Approve(_ context.Context, _, _ common.Address, amount *big.Int) error {
	s.log.add("approve")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approveErr != nil {
		return s.approveErr
	}
	s.allowance = new(big.Int).Set(amount)
	return nil
}

func (s *scriptedTokens) Transfer(context.Context, common.Address, common.Address, *big.Int) error {
	s.log.add("transfer")
	return nil
}

func (s *scriptedTokens) TransferFrom(context.Context, common.Address, common.Address, common.Address, *big.Int) error {
	s.log.add("transfer_from")
	return nil
}

var _ token.Ledger = (*scriptedTokens)(nil)

type scriptedProtocol struct {
	log          *callLog
	mu           sync.Mutex
	purchases    map[string]*escrow.Purchase
	initiateErrs []error
	initiated    []*big.Int
	events       chan escrow.Event
}

func newScriptedProtocol(log *callLog) *scriptedProtocol {
	return &scriptedProtocol{
		log:       log,
		purchases: make(map[string]*escrow.Purchase),
		events:    make(chan escrow.Event),
	}
}

func (s *scriptedProtocol) InitiatePurchase(_ context.Context, buyer common.Address, id *big.Int, tokenAddr common.Address, amount *big.Int, recipient common.Address, courseID *big.Int) error {
	s.log.add("initiate")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiated = append(s.initiated, new(big.Int).Set(id))
	if len(s.initiateErrs) > 0 {
		err := s.initiateErrs[0]
		s.initiateErrs = s.initiateErrs[1:]
		if err != nil {
			return err
		}
	}
	s.purchases[id.String()] = &escrow.Purchase{
		ID:        new(big.Int).Set(id),
		Buyer:     buyer,
		Token:     tokenAddr,
		Amount:    new(big.Int).Set(amount),
		Recipient: recipient,
		CourseID:  new(big.Int).Set(courseID),
		CreatedAt: time.Now().Unix(),
	}
	return nil
}

func (s *scriptedProtocol) ExecutePurchase(_ context.Context, _ common.Address, id *big.Int) error {
	s.log.add("execute")
	s.mu.Lock()
	defer s.mu.Unlock()
	purchase, ok := s.purchases[id.String()]
	if !ok {
		return escrow.ErrPurchaseNotFound
	}
	if purchase.Executed {
		return escrow.ErrAlreadyExecuted
	}
	purchase.Executed = true
	return nil
}

func (s *scriptedProtocol) EmergencyWithdraw(context.Context, common.Address, *big.Int) error {
	return escrow.ErrPurchaseNotFound
}

func (s *scriptedProtocol) RegisterAgent(context.Context, common.Address, common.Address) error {
	return nil
}

func (s *scriptedProtocol) UnregisterAgent(context.Context, common.Address, common.Address) error {
	return nil
}

func (s *scriptedProtocol) GetPurchase(_ context.Context, id *big.Int) (*escrow.Purchase, error) {
	s.log.add("get")
	s.mu.Lock()
	defer s.mu.Unlock()
	purchase, ok := s.purchases[id.String()]
	if !ok {
		return nil, escrow.ErrPurchaseNotFound
	}
	return purchase.Clone(), nil
}

func (s *scriptedProtocol) IsAgent(context.Context, common.Address) (bool, error) {
	return true, nil
}

func (s *scriptedProtocol) Owner(context.Context) (common.Address, error) {
	return testAddr(0x01), nil
}

func (s *scriptedProtocol) Watch(context.Context) (<-chan escrow.Event, func(), error) {
	return s.events, func() {}, nil
}

var _ escrow.Protocol = (*scriptedProtocol)(nil)

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

type scriptedApprovals struct {
	log       *callLog
	mu        sync.Mutex
	opened    []string
	settled   []string
	spenders  []string
	amounts   []string
	settleErr error
}

func (s *scriptedApprovals) OpenApproval(_ context.Context, settlement *Settlement, tokenAddr, spender, amount string) (string, error) {
	s.log.add("open_approval")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, settlement.ID)
	s.spenders = append(s.spenders, spender)
	s.amounts = append(s.amounts, amount)
	return fmt.Sprintf("ap-%d", len(s.opened)), nil
}

func (s *scriptedApprovals) SettleApproval(_ context.Context, approvalID, _ string) error {
	s.log.add("settle_approval")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settleErr != nil {
		return s.settleErr
	}
	s.settled = append(s.settled, approvalID)
	return nil
}

var _ ApprovalRecorder = (*scriptedApprovals)(nil)

type processorFixture struct {
	log      *callLog
	tokens   *scriptedTokens
	protocol *scriptedProtocol
	store    *MemoryStore
	producer *recordingProducer
	alerts   *recordingDispatcher
	proc     *Processor
}

func newProcessorFixture(allowance, balance int64) *processorFixture {
	log := &callLog{}
	f := &processorFixture{
		log:      log,
		tokens:   &scriptedTokens{log: log, allowance: big.NewInt(allowance), balance: big.NewInt(balance)},
		protocol: newScriptedProtocol(log),
		store:    NewMemoryStore(),
		producer: &recordingProducer{},
		alerts:   &recordingDispatcher{},
	}
	f.proc = NewProcessor(f.protocol, f.tokens, testAddr(0xEE), f.store, nil, f.producer,
		WithAlertDispatcher(f.alerts))
	return f
}

func (f *processorFixture) seed(t *testing.T, id string) *Settlement {
	t.Helper()
	settlement := &Settlement{
		ID:         id,
		Buyer:      testAddr(0x02).Hex(),
		CourseID:   "42",
		Token:      testAddr(0x05).Hex(),
		Amount:     "1000",
		Recipient:  testAddr(0x04).Hex(),
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := f.store.Create(context.Background(), settlement); err != nil {
		t.Fatalf("create settlement %s: %v", id, err)
	}
	return settlement
}

func (f *processorFixture) get(t *testing.T, id string) *Settlement {
	t.Helper()
	settlement, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get settlement %s: %v", id, err)
	}
	return settlement
}

func TestProcessorApprovesBeforeInitiating(t *testing.T) {
	f := newProcessorFixture(0, 5000)
	ctx := context.Background()
	f.seed(t, "s1")

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored := f.get(t, "s1")
	if stored.Status != StatusAwaitingExecution {
		t.Fatalf("status = %s, want %s (last error %s)", stored.Status, StatusAwaitingExecution, stored.LastError)
	}
	if stored.PurchaseID == "" || stored.Nonce == "" {
		t.Fatalf("purchase id and nonce must be persisted: %+v", stored)
	}

	want := []string{"allowance", "balance", "approve", "initiate"}
	if got := f.log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
	if len(f.protocol.initiated) != 1 {
		t.Fatalf("expected one initiation, got %d", len(f.protocol.initiated))
	}
	if got := common.BigToHash(f.protocol.initiated[0]).Hex(); got != stored.PurchaseID {
		t.Fatalf("initiated id %s does not match stored purchase id %s", got, stored.PurchaseID)
	}
}

func TestProcessorSkipsApproveWhenAllowanceCovers(t *testing.T) {
	f := newProcessorFixture(5000, 5000)
	ctx := context.Background()
	f.seed(t, "s1")

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	want := []string{"allowance", "initiate"}
	if got := f.log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
	if stored := f.get(t, "s1"); stored.Status != StatusAwaitingExecution {
		t.Fatalf("status = %s, want %s", stored.Status, StatusAwaitingExecution)
	}
}

func TestProcessorRecordsApprovalLifecycle(t *testing.T) {
	f := newProcessorFixture(0, 5000)
	approvals := &scriptedApprovals{log: f.log}
	f.proc = NewProcessor(f.protocol, f.tokens, testAddr(0xEE), f.store, nil, f.producer,
		WithAlertDispatcher(f.alerts), WithApprovalRecorder(approvals))
	ctx := context.Background()
	f.seed(t, "s1")

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	want := []string{"allowance", "balance", "open_approval", "approve", "settle_approval", "initiate"}
	if got := f.log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
	if len(approvals.opened) != 1 || approvals.opened[0] != "s1" {
		t.Fatalf("approval must be linked to the settlement, got %v", approvals.opened)
	}
	if approvals.spenders[0] != testAddr(0xEE).Hex() || approvals.amounts[0] != "1000" {
		t.Fatalf("unexpected approval terms: spender=%s amount=%s", approvals.spenders[0], approvals.amounts[0])
	}
	if len(approvals.settled) != 1 || approvals.settled[0] != "ap-1" {
		t.Fatalf("approval must be settled after approve, got %v", approvals.settled)
	}

	covered := newProcessorFixture(5000, 5000)
	coveredApprovals := &scriptedApprovals{log: covered.log}
	covered.proc = NewProcessor(covered.protocol, covered.tokens, testAddr(0xEE), covered.store, nil, covered.producer,
		WithAlertDispatcher(covered.alerts), WithApprovalRecorder(coveredApprovals))
	covered.seed(t, "s1")
	if err := covered.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle with covering allowance: %v", err)
	}
	if len(coveredApprovals.opened) != 0 {
		t.Fatalf("covering allowance must not open an approval, got %v", coveredApprovals.opened)
	}
}

func TestProcessorExpiredApprovalRetries(t *testing.T) {
	f := newProcessorFixture(0, 5000)
	approvals := &scriptedApprovals{log: f.log}
	approvals.settleErr = xerrors.New(xerrors.Code("APPROVAL_EXPIRED"), "审批请求已过期",
		xerrors.WithRetryable(true), xerrors.WithSeverity(xerrors.SeverityWarning))
	f.proc = NewProcessor(f.protocol, f.tokens, testAddr(0xEE), f.store, nil, f.producer,
		WithAlertDispatcher(f.alerts), WithApprovalRecorder(approvals))
	ctx := context.Background()
	f.seed(t, "s1")

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored := f.get(t, "s1")
	if stored.Status != StatusFailed || stored.ErrorCode != "APPROVAL_EXPIRED" {
		t.Fatalf("unexpected settlement: %+v", stored)
	}
	if got := f.producer.published(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("expired approval must requeue, got %v", got)
	}
	if len(f.alerts.snapshot()) != 0 {
		t.Fatal("expired approval must not raise an alert")
	}

	want := []string{"allowance", "balance", "open_approval", "approve", "settle_approval"}
	if got := f.log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("initiate must not run after a stale approval, call order = %v", got)
	}
}

func TestProcessorRotatesPurchaseIDAcrossAttempts(t *testing.T) {
	f := newProcessorFixture(5000, 5000)
	ctx := context.Background()
	f.seed(t, "s1")
	f.protocol.initiateErrs = []error{xerrors.New(xerrors.CodeChainFailure, "RPC 节点超时")}

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	failed := f.get(t, "s1")
	if failed.Status != StatusFailed || failed.ErrorCode != string(xerrors.CodeChainFailure) {
		t.Fatalf("unexpected settlement after chain failure: %+v", failed)
	}
	if got := f.producer.published(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("retryable failure must requeue, got %v", got)
	}
	if alerts := f.alerts.snapshot(); len(alerts) != 1 || alerts[0].Code != xerrors.CodeChainFailure {
		t.Fatalf("expected one chain failure alert, got %+v", alerts)
	}

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	stored := f.get(t, "s1")
	if stored.Status != StatusAwaitingExecution || stored.Attempts != 2 {
		t.Fatalf("unexpected settlement after retry: %+v", stored)
	}

	if len(f.protocol.initiated) != 2 {
		t.Fatalf("expected two initiation attempts, got %d", len(f.protocol.initiated))
	}
	if f.protocol.initiated[0].Cmp(f.protocol.initiated[1]) == 0 {
		t.Fatal("retry must derive a fresh purchase id")
	}
	if got := common.BigToHash(f.protocol.initiated[1]).Hex(); got != stored.PurchaseID {
		t.Fatalf("stored purchase id %s does not match retried id %s", stored.PurchaseID, got)
	}

	want := []string{"allowance", "initiate", "get", "allowance", "initiate"}
	if got := f.log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
}

func TestProcessorInsufficientBalanceFailsTerminally(t *testing.T) {
	f := newProcessorFixture(0, 100)
	ctx := context.Background()
	f.seed(t, "s1")

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored := f.get(t, "s1")
	if stored.Status != StatusFailed || stored.ErrorCode != string(token.CodeInsufficientBalance) {
		t.Fatalf("unexpected settlement: %+v", stored)
	}
	if stored.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", stored.Attempts)
	}
	if len(f.producer.published()) != 0 {
		t.Fatal("user-correctable failure must not be requeued")
	}
	if len(f.alerts.snapshot()) != 0 {
		t.Fatal("user-correctable failure must not raise an alert")
	}

	want := []string{"allowance", "balance"}
	if got := f.log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
}

func TestProcessorDuplicatePurchaseFailsTerminally(t *testing.T) {
	f := newProcessorFixture(5000, 5000)
	ctx := context.Background()
	f.seed(t, "s1")
	f.protocol.initiateErrs = []error{escrow.ErrDuplicatePurchase}

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored := f.get(t, "s1")
	if stored.Status != StatusFailed || stored.ErrorCode != string(escrow.CodeDuplicatePurchase) {
		t.Fatalf("unexpected settlement: %+v", stored)
	}
	if stored.PurchaseID == "" {
		t.Fatal("tainted purchase id must stay on record")
	}
	if len(f.producer.published()) != 0 {
		t.Fatal("caller bug must not be requeued")
	}
	if len(f.alerts.snapshot()) != 0 {
		t.Fatal("caller bug must not raise an alert")
	}
}

func TestProcessorAlertsOnUnauthorizedSigner(t *testing.T) {
	f := newProcessorFixture(0, 5000)
	ctx := context.Background()
	f.seed(t, "s1")
	f.tokens.approveErr = xerrors.New(xerrors.CodeUnauthorized, "未持有买家地址的签名密钥")

	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	stored := f.get(t, "s1")
	if stored.Status != StatusFailed || stored.ErrorCode != string(xerrors.CodeUnauthorized) {
		t.Fatalf("unexpected settlement: %+v", stored)
	}
	if len(f.producer.published()) != 0 {
		t.Fatal("misconfiguration must not be requeued")
	}

	alerts := f.alerts.snapshot()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].Code != xerrors.CodeUnauthorized || alerts[0].SettlementID != "s1" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
	if alerts[0].Metadata["stage"] != "approve" {
		t.Fatalf("unexpected alert stage: %+v", alerts[0].Metadata)
	}
}

func TestProcessorAdoptsLandedPurchase(t *testing.T) {
	f := newProcessorFixture(5000, 5000)
	ctx := context.Background()

	buyer := testAddr(0x02)
	stageWithPurchase := func(t *testing.T, id, nonce string, executed bool) (*big.Int, string) {
		t.Helper()
		f.seed(t, id)
		purchaseID := escrow.DerivePurchaseID(big.NewInt(42), buyer, nonce)
		purchaseHex := common.BigToHash(purchaseID).Hex()
		if _, err := f.store.Claim(ctx, id); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
		if _, err := f.store.Advance(ctx, id, StatusInitiating, StageUpdate{PurchaseID: purchaseHex, Nonce: nonce}); err != nil {
			t.Fatalf("advance %s: %v", id, err)
		}
		f.protocol.mu.Lock()
		f.protocol.purchases[purchaseID.String()] = &escrow.Purchase{
			ID:        purchaseID,
			Buyer:     buyer,
			Token:     testAddr(0x05),
			Amount:    big.NewInt(1000),
			Recipient: testAddr(0x04),
			CourseID:  big.NewInt(42),
			Executed:  executed,
			CreatedAt: time.Now().Unix(),
		}
		f.protocol.mu.Unlock()
		return purchaseID, purchaseHex
	}

	_, pendingHex := stageWithPurchase(t, "s1", "nonce-pending", false)
	if err := f.proc.handle(ctx, "s1"); err != nil {
		t.Fatalf("handle s1: %v", err)
	}
	adopted := f.get(t, "s1")
	if adopted.Status != StatusAwaitingExecution || adopted.PurchaseID != pendingHex {
		t.Fatalf("landed purchase must be adopted, got %+v", adopted)
	}

	_, executedHex := stageWithPurchase(t, "s2", "nonce-executed", true)
	if err := f.proc.handle(ctx, "s2"); err != nil {
		t.Fatalf("handle s2: %v", err)
	}
	done := f.get(t, "s2")
	if done.Status != StatusExecuted || done.PurchaseID != executedHex {
		t.Fatalf("executed purchase must close the settlement, got %+v", done)
	}

	// 两个结算单都不允许再次发起。
	if len(f.protocol.initiated) != 0 {
		t.Fatalf("adopted purchases must not be re-initiated, got %d initiations", len(f.protocol.initiated))
	}
	want := []string{"get", "get"}
	if got := f.log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
}

func TestProcessorIgnoresUnknownSettlement(t *testing.T) {
	f := newProcessorFixture(0, 0)
	if err := f.proc.handle(context.Background(), "ghost"); err != nil {
		t.Fatalf("unknown settlement must be skipped, got %v", err)
	}
	if len(f.alerts.snapshot()) != 0 {
		t.Fatal("skipping must not raise an alert")
	}
}

func TestProcessorSettlesEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	owner := testAddr(0x01)
	buyer := testAddr(0x02)
	executor := testAddr(0x03)
	recipient := testAddr(0x04)
	tokenAddr := testAddr(0x05)

	vault := token.NewVault()
	vault.Mint(buyer, big.NewInt(1000))
	ledger := escrow.NewLedger(owner, vault, escrow.NewMemoryRegistry())
	if err := ledger.RegisterAgent(ctx, owner, executor); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	var confirms atomic.Int32
	service := NewService(store, queue, 3, WithConfirmHook(func(context.Context, *Settlement) error {
		confirms.Add(1)
		return nil
	}))
	processor := NewProcessor(ledger, vault, ledger.Address(), store, queue, queue)

	go func() {
		if err := processor.Start(ctx); err != nil &&
			!stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	events, cancelWatch, err := ledger.Watch(ctx)
	if err != nil {
		t.Fatalf("watch ledger: %v", err)
	}
	defer cancelWatch()

	go func() {
		for evt := range events {
			switch evt.Kind {
			case escrow.EventPurchaseInitiated:
				if execErr := ledger.ExecutePurchase(ctx, executor, evt.PurchaseID); execErr != nil && ctx.Err() == nil {
					t.Errorf("execute purchase: %v", execErr)
				}
			case escrow.EventPurchaseExecuted:
				purchaseHex := common.BigToHash(evt.PurchaseID).Hex()
				if _, confErr := service.ConfirmExecution(ctx, purchaseHex, "", executor.Hex()); confErr != nil && ctx.Err() == nil {
					t.Errorf("confirm execution: %v", confErr)
				}
			}
		}
	}()

	submitted, err := service.Submit(ctx, SubmitRequest{
		Buyer:     buyer.Hex(),
		CourseID:  "42",
		Token:     tokenAddr.Hex(),
		Amount:    "1000",
		Recipient: recipient.Hex(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final, err := service.WaitUntilCompleted(ctx, submitted.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait until completed: %v", err)
	}
	if final.Status != StatusConfirmed {
		t.Fatalf("status = %s, want %s (last error %s)", final.Status, StatusConfirmed, final.LastError)
	}
	if final.PurchaseID == "" || final.ExecutedBy != executor.Hex() {
		t.Fatalf("unexpected final settlement: %+v", final)
	}
	if got := confirms.Load(); got != 1 {
		t.Fatalf("confirm hook ran %d times, want 1", got)
	}

	recipientBalance, err := vault.BalanceOf(ctx, recipient)
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if recipientBalance.Int64() != 1000 {
		t.Fatalf("recipient balance = %d, want 1000", recipientBalance.Int64())
	}
	buyerBalance, err := vault.BalanceOf(ctx, buyer)
	if err != nil {
		t.Fatalf("buyer balance: %v", err)
	}
	if buyerBalance.Int64() != 0 {
		t.Fatalf("buyer balance = %d, want 0", buyerBalance.Int64())
	}
	escrowBalance, err := vault.BalanceOf(ctx, ledger.Address())
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if escrowBalance.Int64() != 0 {
		t.Fatalf("escrow balance = %d, want 0", escrowBalance.Int64())
	}
}
