// Package memory implements the shared store and broadcast channel in process.
//
// A Backend plays the role of one origin's durable storage: every View of it
// sees the same data, and writes through one View are reported to watchers on
// every other View, mirroring how storage events never fire in the writing
// context. A Hub does the same for broadcast notices. Both deliver
// asynchronously and drop notifications when a listener falls behind.
package memory
