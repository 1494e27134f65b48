// Package sqlite implements the shared store on a SQLite file, the natural
// durable store for execution contexts that are processes on one machine.
//
// Writes append to a change log in the same transaction. Watchers read the
// log when fsnotify reports activity on the database files, and on a poll
// interval as a fallback for filesystems without change notifications.
package sqlite
