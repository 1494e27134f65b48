// Package identity derives the device and tab identifiers that name lease
// owners.
//
// The device identifier lives in the durable store and is shared by every
// context on the device. The tab identifier lives in the tab-scoped store, so
// it survives a reload of the same context but not the opening of a new one.
// When a store cannot be used, a volatile identifier is generated and kept in
// memory for the lifetime of the Provider.
package identity
