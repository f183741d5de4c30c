package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type settlementCollector struct {
	mu         sync.Mutex
	statuses   map[string]uint64
	failures   map[string]uint64
	executions map[string]uint64
	backlog    int64
}

var settlements = &settlementCollector{
	statuses:   make(map[string]uint64),
	failures:   make(map[string]uint64),
	executions: make(map[string]uint64),
}

// ObserveSettlementStatus records a settlement entering the given status.
func ObserveSettlementStatus(status string) {
	settlements.mu.Lock()
	settlements.statuses[status]++
	settlements.mu.Unlock()
}

// ObserveSettlementFailure records a settlement failure classified by error code.
func ObserveSettlementFailure(code string) {
	settlements.mu.Lock()
	settlements.failures[code]++
	settlements.mu.Unlock()
}

// ObserveAgentExecution records the outcome of one execution attempt by the agent.
func ObserveAgentExecution(result string) {
	settlements.mu.Lock()
	settlements.executions[result]++
	settlements.mu.Unlock()
}

// SetAgentBacklog records how many initiated purchases the agent is tracking.
func SetAgentBacklog(n int) {
	settlements.mu.Lock()
	settlements.backlog = int64(n)
	settlements.mu.Unlock()
}

func (c *settlementCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP ap2_settlements_total Total number of settlement status transitions.\n")
	builder.WriteString("# TYPE ap2_settlements_total counter\n")
	for _, status := range sortedKeys(c.statuses) {
		builder.WriteString(fmt.Sprintf("ap2_settlements_total{status=\"%s\"} %d\n", escape(status), c.statuses[status]))
	}

	builder.WriteString("# HELP ap2_settlement_failures_total Total number of settlement failures by error code.\n")
	builder.WriteString("# TYPE ap2_settlement_failures_total counter\n")
	for _, code := range sortedKeys(c.failures) {
		builder.WriteString(fmt.Sprintf("ap2_settlement_failures_total{code=\"%s\"} %d\n", escape(code), c.failures[code]))
	}

	builder.WriteString("# HELP ap2_agent_executions_total Total number of purchase executions attempted by the agent.\n")
	builder.WriteString("# TYPE ap2_agent_executions_total counter\n")
	for _, result := range sortedKeys(c.executions) {
		builder.WriteString(fmt.Sprintf("ap2_agent_executions_total{result=\"%s\"} %d\n", escape(result), c.executions[result]))
	}

	builder.WriteString("# HELP ap2_agent_backlog Number of initiated purchases the agent is tracking.\n")
	builder.WriteString("# TYPE ap2_agent_backlog gauge\n")
	builder.WriteString(fmt.Sprintf("ap2_agent_backlog %d\n", c.backlog))

	return builder.String()
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
