package settlement

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AP2-Chain/internal/errors"
)

type recordingProducer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingProducer) Publish(_ context.Context, settlementID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, settlementID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func validSubmitRequest() SubmitRequest {
	return SubmitRequest{
		Buyer:     "0x00000000000000000000000000000000000000ab",
		CourseID:  "42",
		Token:     "0x00000000000000000000000000000000000000cd",
		Amount:    "0012",
		Recipient: "0x00000000000000000000000000000000000000ef",
	}
}

func TestServiceSubmitNormalizesRequest(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)
	ctx := context.Background()

	req := validSubmitRequest()
	submitted, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.ID == "" {
		t.Fatal("expected generated settlement id")
	}
	if submitted.Status != StatusPending || submitted.MaxRetries != 3 {
		t.Fatalf("unexpected settlement: %+v", submitted)
	}
	if submitted.Buyer != common.HexToAddress(req.Buyer).Hex() {
		t.Fatalf("buyer not normalized: %s", submitted.Buyer)
	}
	if submitted.Amount != "12" {
		t.Fatalf("amount not normalized: %s", submitted.Amount)
	}

	published := producer.published()
	if len(published) != 1 || published[0] != submitted.ID {
		t.Fatalf("unexpected publish log: %v", published)
	}
	if _, err := store.Get(ctx, submitted.ID); err != nil {
		t.Fatalf("settlement not persisted: %v", err)
	}
}

func TestServiceSubmitRejectsInvalidRequest(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"zero buyer", func(req *SubmitRequest) { req.Buyer = "0x0000000000000000000000000000000000000000" }},
		{"bad buyer hex", func(req *SubmitRequest) { req.Buyer = "not-an-address" }},
		{"zero recipient", func(req *SubmitRequest) { req.Recipient = "0x0000000000000000000000000000000000000000" }},
		{"zero amount", func(req *SubmitRequest) { req.Amount = "0" }},
		{"negative course", func(req *SubmitRequest) { req.CourseID = "-1" }},
	}
	for _, tc := range cases {
		req := validSubmitRequest()
		tc.mutate(&req)
		if _, err := service.Submit(ctx, req); xerrors.CodeOf(err) != CodeSettlementValidation {
			t.Fatalf("%s: expected validation failure, got %v", tc.name, err)
		}
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("rejected requests must not be persisted, got %+v", stats)
	}
	if len(producer.published()) != 0 {
		t.Fatal("rejected requests must not be published")
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)
	ctx := context.Background()

	req := validSubmitRequest()
	req.ID = "fixed-settlement"

	first, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID || second.CreatedAt != first.CreatedAt {
		t.Fatalf("expected the stored settlement back, got %+v", second)
	}
	if len(producer.published()) != 1 {
		t.Fatalf("duplicate submit must not publish again, got %v", producer.published())
	}
}

func TestServiceSubmitMarksFailedWhenPublishFails(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{err: stdErrors.New("队列不可用")}
	service := NewService(store, producer, 3)
	ctx := context.Background()

	_, err := service.Submit(ctx, validSubmitRequest())
	if xerrors.CodeOf(err) != CodeSettlementPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}

	stored, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected one persisted settlement, got %d", len(stored))
	}
	if stored[0].Status != StatusFailed || stored[0].ErrorCode != string(CodeSettlementPublish) {
		t.Fatalf("unexpected settlement state: %+v", stored[0])
	}
}

// parkAt drives a freshly created settlement through the store to the
// awaiting-execution stage with the given purchase id.
func parkAt(t *testing.T, store Store, id, purchaseHex string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Claim(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Advance(ctx, id, StatusInitiating, StageUpdate{PurchaseID: purchaseHex, Nonce: "nonce-1"}); err != nil {
		t.Fatalf("advance to initiating: %v", err)
	}
	if _, err := store.Advance(ctx, id, StatusAwaitingExecution, StageUpdate{}); err != nil {
		t.Fatalf("advance to awaiting execution: %v", err)
	}
}

func TestServiceConfirmExecutionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	ctx := context.Background()

	var confirms int
	service := NewService(store, producer, 3, WithConfirmHook(func(_ context.Context, settlement *Settlement) error {
		if settlement.Status != StatusExecuted {
			t.Errorf("hook saw status %s, want %s", settlement.Status, StatusExecuted)
		}
		confirms++
		return nil
	}))

	if err := store.Create(ctx, seedSettlement("s1", StatusPending)); err != nil {
		t.Fatalf("create settlement: %v", err)
	}
	purchaseHex := "0x00000000000000000000000000000000000000000000000000000000000000aa"
	parkAt(t, store, "s1", purchaseHex)

	agent := "0x5555555555555555555555555555555555555555"
	confirmed, err := service.ConfirmExecution(ctx, purchaseHex, "0xfeed", agent)
	if err != nil {
		t.Fatalf("confirm execution: %v", err)
	}
	if confirmed.Status != StatusConfirmed || confirmed.ExecuteTx != "0xfeed" || confirmed.ExecutedBy != agent {
		t.Fatalf("unexpected confirmed settlement: %+v", confirmed)
	}
	if confirms != 1 {
		t.Fatalf("expected one hook invocation, got %d", confirms)
	}

	again, err := service.ConfirmExecution(ctx, purchaseHex, "0xfeed", agent)
	if err != nil {
		t.Fatalf("repeated confirm: %v", err)
	}
	if again.Status != StatusConfirmed || confirms != 1 {
		t.Fatalf("repeated confirm must be idempotent: %+v, hooks %d", again, confirms)
	}
}

func TestServiceConfirmExecutionRetriesAfterHookFailure(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	ctx := context.Background()

	hookErr := stdErrors.New("账务服务不可用")
	var calls int
	service := NewService(store, producer, 3, WithConfirmHook(func(context.Context, *Settlement) error {
		calls++
		if calls == 1 {
			return hookErr
		}
		return nil
	}))

	if err := store.Create(ctx, seedSettlement("s1", StatusPending)); err != nil {
		t.Fatalf("create settlement: %v", err)
	}
	purchaseHex := "0x00000000000000000000000000000000000000000000000000000000000000bb"
	parkAt(t, store, "s1", purchaseHex)

	settlement, err := service.ConfirmExecution(ctx, purchaseHex, "0xfeed", "0x5555555555555555555555555555555555555555")
	if xerrors.CodeOf(err) != CodeSettlementConfirm {
		t.Fatalf("expected confirm failure, got %v", err)
	}
	if settlement == nil || settlement.Status != StatusExecuted {
		t.Fatalf("settlement must stay executed after hook failure: %+v", settlement)
	}

	stored, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if stored.Status != StatusExecuted {
		t.Fatalf("persisted status = %s, want %s", stored.Status, StatusExecuted)
	}

	confirmed, err := service.ConfirmExecution(ctx, purchaseHex, "0xfeed", "0x5555555555555555555555555555555555555555")
	if err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed || calls != 2 {
		t.Fatalf("retry must complete confirmation: %+v, hooks %d", confirmed, calls)
	}
}

func TestServiceConfirmExecutionRejectsPending(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, &recordingProducer{}, 3)
	ctx := context.Background()

	settlement := seedSettlement("s1", StatusPending)
	settlement.PurchaseID = "0x00000000000000000000000000000000000000000000000000000000000000cc"
	if err := store.Create(ctx, settlement); err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	if _, err := service.ConfirmExecution(ctx, settlement.PurchaseID, "", ""); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestServiceRecordInitiation(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, &recordingProducer{}, 3)
	ctx := context.Background()

	if err := store.Create(ctx, seedSettlement("s1", StatusPending)); err != nil {
		t.Fatalf("create settlement: %v", err)
	}
	purchaseHex := "0x00000000000000000000000000000000000000000000000000000000000000dd"
	if _, err := store.Claim(ctx, "s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Advance(ctx, "s1", StatusInitiating, StageUpdate{PurchaseID: purchaseHex, Nonce: "n"}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := service.RecordInitiation(ctx, purchaseHex, "0xaaa"); err != nil {
		t.Fatalf("record initiation: %v", err)
	}
	if err := service.RecordInitiation(ctx, purchaseHex, "0xbbb"); err != nil {
		t.Fatalf("record initiation again: %v", err)
	}
	stored, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if stored.InitiateTx != "0xaaa" {
		t.Fatalf("expected first hash to stick, got %s", stored.InitiateTx)
	}

	// 事件流里混有其他来源的购买，未知 ID 直接忽略。
	if err := service.RecordInitiation(ctx, "0x9999999999999999999999999999999999999999999999999999999999999999", "0xccc"); err != nil {
		t.Fatalf("foreign purchase must be ignored, got %v", err)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, &recordingProducer{}, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Create(ctx, seedSettlement("s1", StatusPending)); err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.MarkFailed(ctx, "s1", CodeSettlementProcessing, "boom", true)
	}()

	final, err := service.WaitUntilCompleted(ctx, "s1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait until completed: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("unexpected final status: %s", final.Status)
	}
}
