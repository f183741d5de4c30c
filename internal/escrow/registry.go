package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AgentRegistry 是代理授权名单的能力对象。账本在调用时实时查询它，
// 而不是读取某个全局映射；所有者校验由账本完成，注册表只负责存取。
// 实现方可以把名单放在内存或数据库中。
type AgentRegistry interface {
	// Grant 将地址加入授权名单。重复加入是幂等操作。
	Grant(ctx context.Context, agent common.Address) error
	// Revoke 将地址移出授权名单。移除不存在的地址同样幂等。
	Revoke(ctx context.Context, agent common.Address) error
	// Authorized 查询地址当前是否被授权。
	Authorized(ctx context.Context, agent common.Address) (bool, error)
	// List 返回当前授权的全部地址，排序稳定。
	List(ctx context.Context) ([]common.Address, error)
}

// MemoryRegistry 是 AgentRegistry 的内存实现，适合单进程部署与测试。
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[common.Address]bool
}

var _ AgentRegistry = (*MemoryRegistry)(nil)

// NewMemoryRegistry 创建空的内存授权名单。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[common.Address]bool)}
}

// Grant 实现 AgentRegistry。
func (r *MemoryRegistry) Grant(_ context.Context, agent common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent] = true
	return nil
}

// Revoke 实现 AgentRegistry。
func (r *MemoryRegistry) Revoke(_ context.Context, agent common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agent)
	return nil
}

// Authorized 实现 AgentRegistry。
func (r *MemoryRegistry) Authorized(_ context.Context, agent common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agent], nil
}

// List 实现 AgentRegistry。
func (r *MemoryRegistry) List(_ context.Context) ([]common.Address, error) {
	r.mu.RLock()
	agents := make([]common.Address, 0, len(r.agents))
	for agent := range r.agents {
		agents = append(agents, agent)
	}
	r.mu.RUnlock()
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Hex() < agents[j].Hex()
	})
	return agents, nil
}
