// Package sessionlock implements the cross-context session lock.
//
// One Coordinator runs per execution context. Contexts on the same device
// share a durable key-value store and elect a single active owner through a
// heartbeat lease (LeaseManager). A consistency check compares the local
// session id with the shared one and with lease ownership on every timer
// tick, storage change and broadcast notice (Evaluate), and reports two
// signals to the application: foreign-active and inconsistency.
//
// Broadcast notices only reduce latency. Storage change notifications and the
// periodic check keep the protocol converging without them.
package sessionlock
