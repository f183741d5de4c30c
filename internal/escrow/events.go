package escrow

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind 标识账本事件的种类。
type EventKind string

const (
	EventPurchaseInitiated EventKind = "purchase_initiated"
	EventPurchaseExecuted  EventKind = "purchase_executed"
	EventAgentRegistered   EventKind = "agent_registered"
	EventAgentUnregistered EventKind = "agent_unregistered"
)

// Event 是账本对外发布的事件。外部系统只依赖这条追加日志即可重建
// 授权名单与购买历史。链上适配器把合约日志解码成同一结构。
type Event struct {
	Kind       EventKind      `json:"kind"`
	PurchaseID *big.Int       `json:"purchase_id,omitempty"`
	Buyer      common.Address `json:"buyer,omitempty"`
	Agent      common.Address `json:"agent,omitempty"`
	Recipient  common.Address `json:"recipient,omitempty"`
	Amount     *big.Int       `json:"amount,omitempty"`
	CourseID   *big.Int       `json:"course_id,omitempty"`
	TxHash     common.Hash    `json:"tx_hash,omitempty"`
	LogIndex   uint           `json:"log_index,omitempty"`
	BlockNo    uint64         `json:"block_no,omitempty"`
	EmittedAt  int64          `json:"emitted_at"`
}

// subscriberBuffer 是单个订阅通道的缓冲大小。写满说明订阅方长期不消费，
// 此时关闭通道，由订阅方重新 Watch 并通过回放补齐缺口。
const subscriberBuffer = 256

// EventBus 在临界区内同步记录事件并向订阅者分发。发布和账本状态变更
// 处于同一把锁之下，订阅者看到的顺序即账本的全序。
type EventBus struct {
	mu          sync.Mutex
	log         []Event
	subscribers map[int]chan Event
	nextID      int
}

// NewEventBus 创建一个空事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[int]chan Event)}
}

// Publish 追加事件并通知所有订阅者。
func (b *EventBus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, evt)
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// 订阅方积压过多，断开让其重新订阅并回放。
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Subscribe 注册订阅者并先回放全部历史事件。返回的取消函数可重复调用。
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	backlog := make([]Event, len(b.log))
	copy(backlog, b.log)
	ch := make(chan Event, subscriberBuffer+len(backlog))
	for _, evt := range backlog {
		ch <- evt
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if current, ok := b.subscribers[id]; ok {
				close(current)
				delete(b.subscribers, id)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Log 返回截至当前的全部事件拷贝。
func (b *EventBus) Log() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	cloned := make([]Event, len(b.log))
	copy(cloned, b.log)
	return cloned
}
