package settlement

import "context"

// RecoveryHandler 定义了结算进入终态失败前的补偿策略。
type RecoveryHandler interface {
	// Recover 根据失败原因做补偿，例如回写支付记录、释放课程预留。
	// 返回错误不会阻止失败落库，只会被记录并告警。
	Recover(ctx context.Context, settlement *Settlement, cause error) error
}

// ApprovalRecorder 记录代扣授权的审批流水。编排器检测到额度不足时开立
// 请求，授权落账后确认。确认必须发生在请求的有效期内，过期的确认会被
// 存储层拒绝。
type ApprovalRecorder interface {
	// OpenApproval 开立审批请求并返回其 ID。
	OpenApproval(ctx context.Context, settlement *Settlement, token, spender, amount string) (string, error)
	// SettleApproval 在授权交易落账后关闭审批请求。txHash 在本地账本
	// 模式下为空。
	SettleApproval(ctx context.Context, approvalID, txHash string) error
}
