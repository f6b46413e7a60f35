// Package bridge carries a JSON-RPC style message protocol over the
// message bus. A ClientBridge turns channel writes into bus
// request-reply calls and publishes; a ServerBridge turns group-queue
// deliveries into channel reads and routes responses back through a
// per-connection correlation table. Sessions on either side only ever
// touch the Conn channel pair.
package bridge
