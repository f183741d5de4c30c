// Package redis documents the Redis usage of the settlement service. The
// settlement queue can run on a Redis list (see settlement.NewRedisQueue)
// when deployments want at-least-once delivery without running a broker;
// this directory is reserved for caching helpers built on the same
// connection pool.
package redis
