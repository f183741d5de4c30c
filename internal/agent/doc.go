// Package agent contains the authorized execution agent that releases
// escrowed purchases. It follows the ledger event stream, verifies each
// initiated purchase against the on-chain record before submitting the
// execute transaction, and reports executions back to the settlement
// layer. A persisted block cursor lets a restarted agent replay the
// events it missed while down.
package agent
