// Package redis provides the Redis backed revocation registry and the
// distributed lock that keeps reconciliation passes single-flight across
// bridge replicas.
package redis
