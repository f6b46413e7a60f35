// Package callbacks implements asynchronous result delivery for
// long-running operations.
//
// A caller registers a callback and receives a dedicated subject
// (<namespace>.<callbackId>). The operation's side publishes progress
// and exactly one terminal message (completed or error) to that
// subject; Wait blocks until the terminal message arrives. Resolution
// is first-writer-wins: progress never resolves the slot, and any
// terminal message after the first is dropped.
package callbacks
