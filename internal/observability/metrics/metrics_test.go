package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsRender(t *testing.T) {
	ObserveHTTPRequest("settlements", http.MethodPost, 201, 30*time.Millisecond)
	ObserveHTTPRequest("settlements", http.MethodPost, 502, 2*time.Second)
	ObserveSettlementStatus("pending")
	ObserveSettlementStatus("confirmed")
	ObserveSettlementFailure("CHAIN_FAILURE")
	ObserveAgentExecution("executed")
	SetAgentBacklog(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type: %s", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`ap2_http_requests_total{handler="settlements",method="POST",code="201"} 1`,
		`ap2_http_requests_total{handler="settlements",method="POST",code="502"} 1`,
		`ap2_http_request_errors_total{handler="settlements",method="POST"} 1`,
		`ap2_http_request_duration_seconds_bucket{handler="settlements",method="POST",le="0.05"} 1`,
		`ap2_http_request_duration_seconds_bucket{handler="settlements",method="POST",le="+Inf"} 2`,
		`ap2_settlements_total{status="confirmed"} 1`,
		`ap2_settlements_total{status="pending"} 1`,
		`ap2_settlement_failures_total{code="CHAIN_FAILURE"} 1`,
		`ap2_agent_executions_total{result="executed"} 1`,
		"ap2_agent_backlog 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("rendered output is missing %q:\n%s", want, body)
		}
	}
}
