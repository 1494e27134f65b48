// Package postgres provides a shared key-value store on PostgreSQL. Rows are
// namespaced so several deployments can share a database, and writes are
// announced with NOTIFY so other processes see them as storage events.
package postgres
