// Package redis backs the shared state that has to survive across daemon
// replicas: sealed wallet secrets and the token deployment idempotency keys.
package redis
