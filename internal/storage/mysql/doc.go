// Package mysql provides the bookkeeping repositories backed by MySQL:
// on-chain payment records, approval requests with a fixed expiry window,
// the deployed-contract registry, the decoded event log, and course
// enrollments. Schema migrations are embedded and applied on startup.
// Memory-backed mirrors of every repository support local mode and tests.
package mysql
