package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AP2-Chain/internal/agent"
	xerrors "AP2-Chain/internal/errors"
	"AP2-Chain/internal/escrow"
	"AP2-Chain/internal/observability/metrics"
	"AP2-Chain/internal/settlement"
	"AP2-Chain/internal/storage/mysql"
	"AP2-Chain/pkg/logger"
)

// defaultListLimit 是列表接口未显式传 limit 时的返回条数。
const defaultListLimit = 20

// Server 负责暴露 REST 接口。结算服务是必配项，账务存储、托管协议与
// 执行代理按部署形态可选：缺账务时审批与支付查询返回 503，缺协议时
// 代理管理返回 503。
type Server struct {
	addr        string
	settlements *settlement.Service
	books       *mysql.Bookkeeping
	protocol    escrow.Protocol
	agent       *agent.Executor
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithBookkeeping 接入账务存储，启用审批与支付相关接口。
func WithBookkeeping(books *mysql.Bookkeeping) Option {
	return func(s *Server) {
		s.books = books
	}
}

// WithProtocol 接入托管协议，启用代理授权管理接口。
func WithProtocol(protocol escrow.Protocol) Option {
	return func(s *Server) {
		s.protocol = protocol
	}
}

// WithAgent 接入内嵌执行代理，健康检查会带上它的运行快照。
func WithAgent(executor *agent.Executor) Option {
	return func(s *Server) {
		s.agent = executor
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, settlements *settlement.Service, opts ...Option) *Server {
	s := &Server{addr: addr, settlements: settlements}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。单独暴露是为了测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/api/v1/settlements", s.handleSettlements)
	s.route(mux, "/api/v1/settlements/stats", s.handleSettlementStats)
	s.route(mux, "/api/v1/approvals", s.handleApprovals)
	s.route(mux, "/api/v1/payments", s.handleListPayments)
	s.route(mux, "/api/v1/payments/stats", s.handlePaymentStats)
	s.route(mux, "/api/v1/payments/confirm", s.handleConfirmPayment)
	s.route(mux, "/api/v1/payments/initiate", s.handleRecordInitiation)
	s.route(mux, "/api/v1/agents", s.handleAgents)
	s.route(mux, "/api/v1/enrollments", s.handleEnrollments)
	s.route(mux, "/api/v1/contracts", s.handleContracts)
	s.route(mux, "/api/v1/events", s.handleEvents)
	s.route(mux, "/healthz", s.handleHealthz)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册带指标统计的处理函数。
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, recorder.status, time.Since(started))
	})
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitSettlement(w, r)
	case http.MethodGet:
		s.handleGetSettlements(w, r)
	default:
		methodNotAllowed(w, "GET/POST")
	}
}

func (s *Server) handleSubmitSettlement(w http.ResponseWriter, r *http.Request) {
	var req settlement.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "请求体解析失败"))
		return
	}
	created, err := s.settlements.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleGetSettlements 按 id 或 purchase_id 查单条，否则按过滤条件列表。
func (s *Server) handleGetSettlements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := query.Get("id"); id != "" {
		found, err := s.settlements.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
		return
	}
	if purchaseID := query.Get("purchase_id"); purchaseID != "" {
		found, err := s.settlements.GetByPurchaseID(r.Context(), purchaseID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
		return
	}

	opts := []settlement.ListOption{settlement.WithLimit(parseLimit(query.Get("limit")))}
	if raw := query.Get("status"); raw != "" {
		var statuses []settlement.Status
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, settlement.Status(part))
			}
		}
		opts = append(opts, settlement.WithStatuses(statuses...))
	}
	if buyer := query.Get("buyer"); buyer != "" {
		opts = append(opts, settlement.WithBuyer(buyer))
	}
	if courseID := query.Get("course_id"); courseID != "" {
		opts = append(opts, settlement.WithCourse(courseID))
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset > 0 {
			opts = append(opts, settlement.WithOffset(offset))
		}
	}
	results, err := s.settlements.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSettlementStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	stats, err := s.settlements.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// approvalSubmission 是开立审批请求的入参。给出 settlement_id 时买家、
// 课程与金额从结算单带出，否则由调用方直接提供。
type approvalSubmission struct {
	SettlementID string `json:"settlement_id,omitempty"`
	Buyer        string `json:"buyer,omitempty"`
	CourseID     string `json:"course_id,omitempty"`
	Amount       string `json:"amount,omitempty"`
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.books == nil {
		serviceUnavailable(w, "账务存储未接入")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleOpenApproval(w, r)
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "缺少 id 参数"))
			return
		}
		approval, err := s.books.Approvals.GetApproval(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, approval)
	default:
		methodNotAllowed(w, "GET/POST")
	}
}

// handleOpenApproval 开立一条代扣审批：告诉钱包该对哪个代币合约、
// 哪个被授权地址、授权多少额度，并给出确认时限。
func (s *Server) handleOpenApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "请求体解析失败"))
		return
	}

	ctx := r.Context()
	buyer, courseID, amount := req.Buyer, req.CourseID, req.Amount
	tokenAddr := ""
	if req.SettlementID != "" {
		linked, err := s.settlements.Get(ctx, req.SettlementID)
		if err != nil {
			writeError(w, err)
			return
		}
		buyer, courseID, amount = linked.Buyer, linked.CourseID, linked.Amount
		tokenAddr = linked.Token
	}
	if buyer == "" || courseID == "" || amount == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "buyer、course_id 与 amount 不能为空"))
		return
	}

	escrowContract, err := s.books.Contracts.ActiveContract(ctx, mysql.ContractTypeEscrow)
	if err != nil {
		writeError(w, err)
		return
	}
	if tokenAddr == "" {
		tokenContract, err := s.books.Contracts.ActiveContract(ctx, mysql.ContractTypeToken)
		if err != nil {
			writeError(w, err)
			return
		}
		tokenAddr = tokenContract.Address
	}

	approval := &mysql.ApprovalRequest{
		SettlementID: req.SettlementID,
		Buyer:        buyer,
		CourseID:     courseID,
		Token:        tokenAddr,
		Spender:      escrowContract.Address,
		Amount:       amount,
	}
	if err := s.books.Approvals.CreateApproval(ctx, approval); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("审批请求已开立",
		slog.String("approval_id", approval.ID),
		slog.String("buyer", approval.Buyer),
		slog.String("course_id", approval.CourseID),
		slog.String("spender", approval.Spender),
	)
	writeJSON(w, http.StatusCreated, approval)
}

// paymentConfirmation 是确认链上支付的入参。executed_by 缺省时沿用
// 交易中观察到的执行方。
type paymentConfirmation struct {
	PurchaseID string `json:"purchase_id"`
	TxHash     string `json:"tx_hash"`
	ExecutedBy string `json:"executed_by,omitempty"`
}

// confirmedPayment 汇总确认后的结算单与对应的支付台账记录。
type confirmedPayment struct {
	Settlement *settlement.Settlement `json:"settlement"`
	Payment    *mysql.PaymentRecord   `json:"payment,omitempty"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	var req paymentConfirmation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "请求体解析失败"))
		return
	}
	if req.PurchaseID == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "缺少 purchase_id"))
		return
	}

	ctx := r.Context()
	confirmed, err := s.settlements.ConfirmExecution(ctx, req.PurchaseID, req.TxHash, req.ExecutedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	result := confirmedPayment{Settlement: confirmed}
	if s.books != nil {
		if payment, payErr := s.books.Payments.GetPayment(ctx, confirmed.ID); payErr == nil {
			result.Payment = payment
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// paymentInitiation 是外部执行代理回报发起交易的入参。
type paymentInitiation struct {
	PurchaseID string `json:"purchase_id"`
	TxHash     string `json:"tx_hash,omitempty"`
}

func (s *Server) handleRecordInitiation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	var req paymentInitiation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "请求体解析失败"))
		return
	}
	if req.PurchaseID == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "缺少 purchase_id"))
		return
	}
	if err := s.settlements.RecordInitiation(r.Context(), req.PurchaseID, req.TxHash); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.books == nil {
		serviceUnavailable(w, "账务存储未接入")
		return
	}
	query := r.URL.Query()
	payments, err := s.books.Payments.ListPayments(r.Context(), query.Get("buyer"), parseLimit(query.Get("limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) handlePaymentStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.books == nil {
		serviceUnavailable(w, "账务存储未接入")
		return
	}
	stats, err := s.books.Payments.PaymentStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// agentMutation 是代理授权管理的入参。
type agentMutation struct {
	Address string `json:"address"`
}

// agentState 描述一个地址当前的授权情况。
type agentState struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

// handleAgents 以所有者身份维护执行代理授权名单。鉴权由部署边界负责，
// 这里直接以链上所有者身份发起调用。
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.protocol == nil {
		serviceUnavailable(w, "托管协议未接入")
		return
	}

	ctx := r.Context()
	if r.Method == http.MethodGet {
		raw := r.URL.Query().Get("address")
		if !common.IsHexAddress(raw) {
			writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "address 不是合法地址"))
			return
		}
		s.writeAgentState(ctx, w, common.HexToAddress(raw))
		return
	}

	var req agentMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "请求体解析失败"))
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "address 不是合法地址"))
		return
	}
	agentAddr := common.HexToAddress(req.Address)

	owner, err := s.protocol.Owner(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	switch r.Method {
	case http.MethodPost:
		err = s.protocol.RegisterAgent(ctx, owner, agentAddr)
	case http.MethodDelete:
		err = s.protocol.UnregisterAgent(ctx, owner, agentAddr)
	default:
		methodNotAllowed(w, "GET/POST/DELETE")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeAgentState(ctx, w, agentAddr)
}

func (s *Server) writeAgentState(ctx context.Context, w http.ResponseWriter, addr common.Address) {
	authorized, err := s.protocol.IsAgent(ctx, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentState{Address: addr.Hex(), Authorized: authorized})
}

func (s *Server) handleEnrollments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.books == nil {
		serviceUnavailable(w, "账务存储未接入")
		return
	}
	buyer := r.URL.Query().Get("buyer")
	if buyer == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(string(xerrors.CodeInvalidArgument), "缺少 buyer 参数"))
		return
	}
	enrollments, err := s.books.Enrollments.ListEnrollments(r.Context(), buyer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollments)
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.books == nil {
		serviceUnavailable(w, "账务存储未接入")
		return
	}
	contracts, err := s.books.Contracts.ListContracts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.books == nil {
		serviceUnavailable(w, "账务存储未接入")
		return
	}
	events, err := s.books.Events.ListEvents(r.Context(), parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// healthState 是健康检查的返回体。接入内嵌代理时附带其运行快照。
type healthState struct {
	Status string        `json:"status"`
	Time   int64         `json:"time"`
	Agent  *agent.Status `json:"agent,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	state := healthState{Status: "ok", Time: time.Now().Unix()}
	if s.agent != nil {
		snapshot := s.agent.Status()
		state.Agent = &snapshot
	}
	writeJSON(w, http.StatusOK, state)
}

// statusRecorder 捕获写入的状态码，供指标统计使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// apiError 是错误返回的 JSON 结构，SDK 依据它还原错误码。
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func errorEnvelope(code, message string) errorBody {
	return errorBody{Error: apiError{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, errorEnvelope(string(xerrors.CodeOf(err)), err.Error()))
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope("METHOD_NOT_ALLOWED", "仅支持 "+allowed))
}

func serviceUnavailable(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusServiceUnavailable, errorEnvelope("SERVICE_UNAVAILABLE", message))
}

// parseLimit 解析 limit 查询参数，非法或缺省时使用默认值。
func parseLimit(raw string) int {
	if raw == "" {
		return defaultListLimit
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		return parsed
	}
	return defaultListLimit
}

// httpStatusOf 把领域错误映射到 HTTP 状态码。映射不到的错误一律 500。
func httpStatusOf(err error) int {
	switch {
	case stdErrors.Is(err, settlement.ErrSettlementNotFound),
		stdErrors.Is(err, mysql.ErrPaymentNotFound),
		stdErrors.Is(err, mysql.ErrApprovalNotFound),
		stdErrors.Is(err, mysql.ErrContractNotFound),
		stdErrors.Is(err, mysql.ErrEnrollmentNotFound),
		stdErrors.Is(err, escrow.ErrPurchaseNotFound):
		return http.StatusNotFound
	case stdErrors.Is(err, settlement.ErrSettlementConflict),
		stdErrors.Is(err, settlement.ErrInvalidTransition),
		stdErrors.Is(err, mysql.ErrAlreadyEnrolled),
		stdErrors.Is(err, escrow.ErrAlreadyExecuted):
		return http.StatusConflict
	case stdErrors.Is(err, mysql.ErrApprovalExpired):
		return http.StatusGone
	case stdErrors.Is(err, escrow.ErrNotOwner), stdErrors.Is(err, escrow.ErrNotAgent):
		return http.StatusForbidden
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, settlement.CodeSettlementValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			serviceUnavailable(w, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
