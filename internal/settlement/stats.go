package settlement

// SettlementStats 聚合了结算单状态的统计信息，常用于仪表盘或健康检查。
type SettlementStats struct {
	Total             int   `json:"total"`
	Pending           int   `json:"pending"`
	Approving         int   `json:"approving"`
	Initiating        int   `json:"initiating"`
	AwaitingExecution int   `json:"awaiting_execution"`
	Executed          int   `json:"executed"`
	Confirmed         int   `json:"confirmed"`
	Failed            int   `json:"failed"`
	OldestUpdatedAt   int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt   int64 `json:"newest_updated_at,omitempty"`
}
