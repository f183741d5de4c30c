package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AP2-Chain/sdk/go/ap2"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/settlements", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(ap2.Settlement{
				ID:        "stl-demo",
				Status:    "pending",
				Amount:    "100",
				CourseID:  "42",
				CreatedAt: time.Now().Unix(),
			})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(ap2.Settlement{
				ID:         "stl-demo",
				Status:     "confirmed",
				Amount:     "100",
				CourseID:   "42",
				PurchaseID: "0x6b9f...c1",
				ExecuteTx:  "0xfeed...42",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ap2.Approval{
			ID:        "apr-demo",
			Token:     "0x2222222222222222222222222222222222222222",
			Spender:   "0x9999999999999999999999999999999999999999",
			Amount:    "100",
			Status:    "pending",
			ExpiresAt: time.Now().Add(15 * time.Minute).Unix(),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := ap2.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.SubmitSettlement(ctx, ap2.SettlementSubmission{
		Buyer:     "0x1111111111111111111111111111111111111111",
		CourseID:  "42",
		Token:     "0x2222222222222222222222222222222222222222",
		Amount:    "100",
		Recipient: "0x3333333333333333333333333333333333333333",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted settlement %s (status=%s)\n", created.ID, created.Status)

	approval, err := client.OpenApproval(ctx, ap2.ApprovalSubmission{SettlementID: created.ID})
	if err != nil {
		panic(err)
	}
	fmt.Printf("wallet must approve %s tokens for spender %s before %d\n",
		approval.Amount, approval.Spender, approval.ExpiresAt)

	settled, err := client.GetSettlement(ctx, created.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("settlement %s status=%s execute_tx=%s\n", settled.ID, settled.Status, settled.ExecuteTx)
}
