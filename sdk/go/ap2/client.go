package ap2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AP2 settlement REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// SettlementSubmission represents the payload required to create a settlement.
// Addresses are hex strings; Amount and CourseID are decimal strings so
// uint256 values survive JSON intact.
type SettlementSubmission struct {
	ID        string `json:"id,omitempty"`
	Buyer     string `json:"buyer"`
	CourseID  string `json:"course_id"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

// Settlement mirrors the server-side settlement record.
type Settlement struct {
	ID         string `json:"id"`
	Buyer      string `json:"buyer"`
	CourseID   string `json:"course_id"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
	PurchaseID string `json:"purchase_id,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	InitiateTx string `json:"initiate_tx,omitempty"`
	ExecuteTx  string `json:"execute_tx,omitempty"`
	ExecutedBy string `json:"executed_by,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// SettlementStats aggregates settlement counts by lifecycle stage.
type SettlementStats struct {
	Total             int64 `json:"total"`
	Pending           int64 `json:"pending"`
	InFlight          int64 `json:"in_flight"`
	AwaitingExecution int64 `json:"awaiting_execution"`
	Executed          int64 `json:"executed"`
	Confirmed         int64 `json:"confirmed"`
	Failed            int64 `json:"failed"`
}

// ListQuery narrows ListSettlements results. Zero values are omitted.
type ListQuery struct {
	Statuses []string
	Buyer    string
	CourseID string
	Limit    int
	Offset   int
}

// ApprovalSubmission opens a token-allowance approval request. Provide either
// a settlement id (buyer, course and amount are taken from the settlement) or
// the three fields directly.
type ApprovalSubmission struct {
	SettlementID string `json:"settlement_id,omitempty"`
	Buyer        string `json:"buyer,omitempty"`
	CourseID     string `json:"course_id,omitempty"`
	Amount       string `json:"amount,omitempty"`
}

// Approval describes what the buyer's wallet must approve and by when.
type Approval struct {
	ID           string `json:"id"`
	SettlementID string `json:"settlement_id,omitempty"`
	Buyer        string `json:"buyer"`
	CourseID     string `json:"course_id"`
	Token        string `json:"token"`
	Spender      string `json:"spender"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
	ApprovedAt   int64  `json:"approved_at,omitempty"`
}

// PaymentConfirmation reports an observed on-chain execution back to the
// settlement service.
type PaymentConfirmation struct {
	PurchaseID string `json:"purchase_id"`
	TxHash     string `json:"tx_hash"`
	ExecutedBy string `json:"executed_by,omitempty"`
}

// Payment mirrors the bookkeeping payment record.
type Payment struct {
	SettlementID string `json:"settlement_id"`
	Buyer        string `json:"buyer"`
	CourseID     string `json:"course_id"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipient"`
	InitiateTx   string `json:"initiate_tx,omitempty"`
	ExecuteTx    string `json:"execute_tx,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	Status       string `json:"status"`
	FailReason   string `json:"fail_reason,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ConfirmedAt  int64  `json:"confirmed_at,omitempty"`
}

// ConfirmedPayment bundles the settlement after confirmation with the payment
// ledger entry written for it.
type ConfirmedPayment struct {
	Settlement *Settlement `json:"settlement"`
	Payment    *Payment    `json:"payment,omitempty"`
}

// PaymentStats aggregates the payment ledger.
type PaymentStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}

// AgentState reports whether an address is currently authorized to execute
// purchases.
type AgentState struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

// Enrollment mirrors a course enrollment activated by a confirmed payment.
type Enrollment struct {
	Buyer        string `json:"buyer"`
	CourseID     string `json:"course_id"`
	SettlementID string `json:"settlement_id,omitempty"`
	Status       string `json:"status"`
	EnrolledAt   int64  `json:"enrolled_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("ap2 api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ap2 api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AP2 settlement API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitSettlement creates a new settlement and enqueues it for processing.
func (c *Client) SubmitSettlement(ctx context.Context, submission SettlementSubmission) (Settlement, error) {
	var created Settlement
	if err := c.post(ctx, "/api/v1/settlements", submission, &created); err != nil {
		return Settlement{}, err
	}
	return created, nil
}

// GetSettlement fetches a settlement by its identifier.
func (c *Client) GetSettlement(ctx context.Context, id string) (Settlement, error) {
	var found Settlement
	endpoint := "/api/v1/settlements?id=" + url.QueryEscape(id)
	if err := c.get(ctx, endpoint, &found); err != nil {
		return Settlement{}, err
	}
	return found, nil
}

// GetSettlementByPurchase fetches the settlement tied to an on-chain
// purchase id.
func (c *Client) GetSettlementByPurchase(ctx context.Context, purchaseID string) (Settlement, error) {
	var found Settlement
	endpoint := "/api/v1/settlements?purchase_id=" + url.QueryEscape(purchaseID)
	if err := c.get(ctx, endpoint, &found); err != nil {
		return Settlement{}, err
	}
	return found, nil
}

// ListSettlements returns settlements matching the query, newest first.
func (c *Client) ListSettlements(ctx context.Context, query ListQuery) ([]Settlement, error) {
	values := url.Values{}
	if len(query.Statuses) > 0 {
		values.Set("status", strings.Join(query.Statuses, ","))
	}
	if query.Buyer != "" {
		values.Set("buyer", query.Buyer)
	}
	if query.CourseID != "" {
		values.Set("course_id", query.CourseID)
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	endpoint := "/api/v1/settlements"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var results []Settlement
	if err := c.get(ctx, endpoint, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// SettlementStats returns settlement counts grouped by lifecycle stage.
func (c *Client) SettlementStats(ctx context.Context) (SettlementStats, error) {
	var stats SettlementStats
	if err := c.get(ctx, "/api/v1/settlements/stats", &stats); err != nil {
		return SettlementStats{}, err
	}
	return stats, nil
}

// OpenApproval opens an allowance approval request for the buyer's wallet.
func (c *Client) OpenApproval(ctx context.Context, submission ApprovalSubmission) (Approval, error) {
	var approval Approval
	if err := c.post(ctx, "/api/v1/approvals", submission, &approval); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

// GetApproval fetches an approval request by its identifier.
func (c *Client) GetApproval(ctx context.Context, id string) (Approval, error) {
	var approval Approval
	endpoint := "/api/v1/approvals?id=" + url.QueryEscape(id)
	if err := c.get(ctx, endpoint, &approval); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

// ConfirmPayment reports an executed purchase and returns the settled state
// together with the payment ledger entry.
func (c *Client) ConfirmPayment(ctx context.Context, confirmation PaymentConfirmation) (ConfirmedPayment, error) {
	var confirmed ConfirmedPayment
	if err := c.post(ctx, "/api/v1/payments/confirm", confirmation, &confirmed); err != nil {
		return ConfirmedPayment{}, err
	}
	return confirmed, nil
}

// ReportInitiation records the transaction hash of an observed
// initiatePurchase call against its settlement.
func (c *Client) ReportInitiation(ctx context.Context, purchaseID, txHash string) error {
	payload := struct {
		PurchaseID string `json:"purchase_id"`
		TxHash     string `json:"tx_hash,omitempty"`
	}{PurchaseID: purchaseID, TxHash: txHash}
	return c.post(ctx, "/api/v1/payments/initiate", payload, nil)
}

// ListPayments returns payment records, newest first. Buyer may be empty.
func (c *Client) ListPayments(ctx context.Context, buyer string, limit int) ([]Payment, error) {
	values := url.Values{}
	if buyer != "" {
		values.Set("buyer", buyer)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/v1/payments"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var payments []Payment
	if err := c.get(ctx, endpoint, &payments); err != nil {
		return nil, err
	}
	return payments, nil
}

// PaymentStats returns aggregate counts over the payment ledger.
func (c *Client) PaymentStats(ctx context.Context) (PaymentStats, error) {
	var stats PaymentStats
	if err := c.get(ctx, "/api/v1/payments/stats", &stats); err != nil {
		return PaymentStats{}, err
	}
	return stats, nil
}

// AgentState reports the current authorization of an agent address.
func (c *Client) AgentState(ctx context.Context, address string) (AgentState, error) {
	var state AgentState
	endpoint := "/api/v1/agents?address=" + url.QueryEscape(address)
	if err := c.get(ctx, endpoint, &state); err != nil {
		return AgentState{}, err
	}
	return state, nil
}

// RegisterAgent authorizes an address to execute purchases. The call is made
// with the ledger owner's identity on the server side.
func (c *Client) RegisterAgent(ctx context.Context, address string) (AgentState, error) {
	var state AgentState
	payload := struct {
		Address string `json:"address"`
	}{Address: address}
	if err := c.post(ctx, "/api/v1/agents", payload, &state); err != nil {
		return AgentState{}, err
	}
	return state, nil
}

// UnregisterAgent revokes an agent authorization.
func (c *Client) UnregisterAgent(ctx context.Context, address string) (AgentState, error) {
	var state AgentState
	endpoint := "/api/v1/agents"
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, bytes.NewReader(mustMarshal(struct {
		Address string `json:"address"`
	}{Address: address})))
	if err != nil {
		return AgentState{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, &state); err != nil {
		return AgentState{}, err
	}
	return state, nil
}

// ListEnrollments returns the course enrollments activated for a buyer.
func (c *Client) ListEnrollments(ctx context.Context, buyer string) ([]Enrollment, error) {
	var enrollments []Enrollment
	endpoint := "/api/v1/enrollments?buyer=" + url.QueryEscape(buyer)
	if err := c.get(ctx, endpoint, &enrollments); err != nil {
		return nil, err
	}
	return enrollments, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts := strings.SplitN(endpoint, "?", 2)
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts[0])}
	if len(parts) == 2 {
		rel.RawQuery = parts[1]
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func mustMarshal(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("encode request: %v", err))
	}
	return data
}
