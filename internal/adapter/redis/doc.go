// Package redis implements the shared store and the broadcast channel on
// Redis. Every write is paired with a PUBLISH on a change channel so that
// other contexts observe it without polling; the broadcast channel is a
// separate pub/sub channel carrying lease notices.
package redis
