// Package api exposes the REST interface of the settlement service:
// submitting and querying settlements, opening allowance approvals,
// confirming on-chain payments, browsing the bookkeeping ledgers, and
// owner-side agent authorization management.
package api
