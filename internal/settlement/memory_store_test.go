package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AP2-Chain/internal/errors"
)

func seedSettlement(id string, status Status) *Settlement {
	return &Settlement{
		ID:         id,
		Buyer:      "0x1111111111111111111111111111111111111111",
		CourseID:   "42",
		Token:      "0x2222222222222222222222222222222222222222",
		Amount:     "1000",
		Recipient:  "0x3333333333333333333333333333333333333333",
		Status:     status,
		MaxRetries: 3,
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	s1 := seedSettlement("s1", StatusPending)
	s2 := seedSettlement("s2", StatusPending)
	s2.Buyer = "0x4444444444444444444444444444444444444444"
	s3 := seedSettlement("s3", StatusPending)

	for _, settlement := range []*Settlement{s1, s2, s3} {
		if err := store.Create(ctx, settlement); err != nil {
			t.Fatalf("create settlement %s: %v", settlement.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "s2", CodeSettlementProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "s3"); err != nil {
		t.Fatalf("claim s3: %v", err)
	}
	if _, err := store.Advance(ctx, "s3", StatusExecuted, StageUpdate{}); err != nil {
		t.Fatalf("advance s3 to executed: %v", err)
	}
	if _, err := store.Advance(ctx, "s3", StatusConfirmed, StageUpdate{}); err != nil {
		t.Fatalf("advance s3 to confirmed: %v", err)
	}

	store.mu.Lock()
	store.settlements["s1"].UpdatedAt = base.Unix()
	store.settlements["s2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.settlements["s3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 settlements, got %d", len(all))
	}
	if all[0].ID != "s3" {
		t.Fatalf("expected newest settlement first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "s2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byBuyer, err := store.List(ctx, buildListOptions([]ListOption{WithBuyer("0X1111111111111111111111111111111111111111")}))
	if err != nil {
		t.Fatalf("list by buyer: %v", err)
	}
	if len(byBuyer) != 2 {
		t.Fatalf("expected 2 settlements for buyer, got %d", len(byBuyer))
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 settlements to match since filter, got %d", len(recent))
	}

	oldestFirst, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(1)}))
	if err != nil {
		t.Fatalf("list oldest first: %v", err)
	}
	if len(oldestFirst) != 1 || oldestFirst[0].ID != "s1" {
		t.Fatalf("unexpected ascending list: %+v", oldestFirst)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	a := seedSettlement("a", StatusPending)
	b := seedSettlement("b", StatusPending)
	b.Buyer = "0x4444444444444444444444444444444444444444"
	c := seedSettlement("c", StatusPending)

	for _, settlement := range []*Settlement{a, b, c} {
		if err := store.Create(ctx, settlement); err != nil {
			t.Fatalf("create settlement %s: %v", settlement.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", CodeSettlementProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "c"); err != nil {
		t.Fatalf("claim c: %v", err)
	}
	if _, err := store.Advance(ctx, "c", StatusExecuted, StageUpdate{}); err != nil {
		t.Fatalf("advance c to executed: %v", err)
	}
	if _, err := store.Advance(ctx, "c", StatusConfirmed, StageUpdate{}); err != nil {
		t.Fatalf("advance c to confirmed: %v", err)
	}

	store.mu.Lock()
	store.settlements["a"].UpdatedAt = base.Unix()
	store.settlements["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.settlements["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Confirmed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}

	byBuyer, err := store.Stats(ctx, buildListOptions([]ListOption{WithBuyer("0x1111111111111111111111111111111111111111")}))
	if err != nil {
		t.Fatalf("stats by buyer: %v", err)
	}
	if byBuyer.Total != 2 || byBuyer.Pending != 1 || byBuyer.Confirmed != 1 {
		t.Fatalf("unexpected buyer stats: %+v", byBuyer)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := seedSettlement("s1", StatusPending)
	first.MaxRetries = 2
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	claimed, err := store.Claim(ctx, "s1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != StatusApproving || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}

	// 处理中途崩溃的结算单可以被重新领取。
	claimed, err = store.Claim(ctx, "s1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed.Attempts != 2 || claimed.LastError != "" {
		t.Fatalf("unexpected second claim result: %+v", claimed)
	}

	if err := store.MarkFailed(ctx, "s1", CodeSettlementProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	stored, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get after failure: %v", err)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeSettlementProcessing) {
		t.Fatalf("unexpected failed settlement: %+v", stored)
	}

	if _, err := store.Claim(ctx, "s1"); !errors.Is(err, ErrSettlementExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}

	// 链上观察到的执行覆盖本地失败判断，此后不再允许领取或标记失败。
	if _, err := store.Advance(ctx, "s1", StatusExecuted, StageUpdate{}); err != nil {
		t.Fatalf("advance failed settlement to executed: %v", err)
	}
	if _, err := store.Claim(ctx, "s1"); !errors.Is(err, ErrSettlementCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}
	if err := store.MarkFailed(ctx, "s1", CodeSettlementProcessing, "late", true); !errors.Is(err, ErrSettlementCompleted) {
		t.Fatalf("expected completed error from mark failed, got %v", err)
	}

	parked := seedSettlement("s2", StatusPending)
	if err := store.Create(ctx, parked); err != nil {
		t.Fatalf("create parked settlement: %v", err)
	}
	if _, err := store.Claim(ctx, "s2"); err != nil {
		t.Fatalf("claim parked settlement: %v", err)
	}
	if _, err := store.Advance(ctx, "s2", StatusAwaitingExecution, StageUpdate{}); err != nil {
		t.Fatalf("advance to awaiting execution: %v", err)
	}
	if _, err := store.Claim(ctx, "s2"); !errors.Is(err, ErrSettlementParked) {
		t.Fatalf("expected parked error, got %v", err)
	}

	if _, err := store.Claim(ctx, "ghost"); !errors.Is(err, ErrSettlementNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestMemoryStoreAdvanceEnforcesTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, seedSettlement("s1", StatusPending)); err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	current, err := store.Advance(ctx, "s1", StatusExecuted, StageUpdate{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if current == nil || current.Status != StatusPending {
		t.Fatalf("expected current settlement back, got %+v", current)
	}

	if _, err := store.Advance(ctx, "s1", StatusApproving, StageUpdate{}); err != nil {
		t.Fatalf("advance to approving: %v", err)
	}
	advanced, err := store.Advance(ctx, "s1", StatusInitiating, StageUpdate{
		PurchaseID: "0xdeadbeef",
		Nonce:      "nonce-1",
	})
	if err != nil {
		t.Fatalf("advance to initiating: %v", err)
	}
	if advanced.PurchaseID != "0xdeadbeef" || advanced.Nonce != "nonce-1" {
		t.Fatalf("stage update not applied: %+v", advanced)
	}

	// 空的阶段更新不覆盖已有字段。
	advanced, err = store.Advance(ctx, "s1", StatusAwaitingExecution, StageUpdate{})
	if err != nil {
		t.Fatalf("advance to awaiting execution: %v", err)
	}
	if advanced.PurchaseID != "0xdeadbeef" {
		t.Fatalf("purchase id lost after empty update: %+v", advanced)
	}

	advanced, err = store.Advance(ctx, "s1", StatusExecuted, StageUpdate{
		ExecuteTx:  "0xfeed",
		ExecutedBy: "0x5555555555555555555555555555555555555555",
	})
	if err != nil {
		t.Fatalf("advance to executed: %v", err)
	}
	if advanced.ExecuteTx != "0xfeed" || advanced.ExecutedBy == "" {
		t.Fatalf("execution fields not applied: %+v", advanced)
	}

	if _, err := store.Advance(ctx, "s1", StatusConfirmed, StageUpdate{}); err != nil {
		t.Fatalf("advance to confirmed: %v", err)
	}
	if _, err := store.Advance(ctx, "s1", StatusApproving, StageUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition out of confirmed, got %v", err)
	}

	if _, err := store.Advance(ctx, "s1", Status("bogus"), StageUpdate{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for bogus status, got %v", err)
	}
}

func TestMemoryStoreRecordInitiationKeepsFirstHash(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, seedSettlement("s1", StatusPending)); err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	if err := store.RecordInitiation(ctx, "s1", "0xaaa"); err != nil {
		t.Fatalf("record initiation: %v", err)
	}
	if err := store.RecordInitiation(ctx, "s1", "0xbbb"); err != nil {
		t.Fatalf("record initiation again: %v", err)
	}
	stored, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if stored.InitiateTx != "0xaaa" {
		t.Fatalf("expected first hash to stick, got %s", stored.InitiateTx)
	}

	if err := store.RecordInitiation(ctx, "ghost", "0xccc"); !errors.Is(err, ErrSettlementNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestMemoryStoreGetByPurchaseID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	settlement := seedSettlement("s1", StatusPending)
	settlement.PurchaseID = "0xAbCdEf0000000000000000000000000000000000000000000000000000000001"
	if err := store.Create(ctx, settlement); err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	found, err := store.GetByPurchaseID(ctx, "0xabcdef0000000000000000000000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("get by purchase id: %v", err)
	}
	if found.ID != "s1" {
		t.Fatalf("unexpected settlement: %+v", found)
	}

	if _, err := store.GetByPurchaseID(ctx, "0x99"); !errors.Is(err, ErrSettlementNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if _, err := store.GetByPurchaseID(ctx, "  "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for blank id, got %v", err)
	}
}
