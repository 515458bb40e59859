// Package subscriber keeps durable storage in step with the in-memory task
// trees. Each subscriber consumes one kind of bus event and writes through a
// per-key coalescer, so a burst of changes to one task or tree collapses into
// at most one follow-up write.
//
// Status and metadata writes wait on the PersistGate until the node's insert
// has succeeded. Shared context writes for a tree whose root row does not
// exist yet are parked and replayed once the root insert lands.
//
// Every sync subscriber also listens for TreeCompletionEvent and arrives at a
// per-root Barrier when it sees one. Because mailboxes are FIFO, arrival means
// every earlier event for the tree has been handed to the coalescer, and the
// CompletionHandler can drain and migrate safely.
package subscriber
