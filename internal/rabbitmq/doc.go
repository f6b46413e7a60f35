// Package rabbitmq implements the bus primitives the bridges are built
// on: a managed broker connection with reconnection, a channel pool,
// subject-based publish with confirmation, queue subscriptions
// (exclusive per-instance or shared group queues for competing
// consumers), and a request-reply requester that correlates replies
// over an exclusive reply queue.
//
// Subjects are hierarchical dot-separated topics realized as topic
// exchange routing keys; the trailing ">" wildcard maps to "#".
package rabbitmq
