// Package events provides the event types and in-process delivery used by the
// task tree engine.
//
// Mutation sites (task nodes, shared contexts, the tree service) publish typed
// events onto a Bus. Each persistence subscriber owns a Subscription with its own
// mailbox and drains it in a dispatch loop, so a slow subscriber never blocks a
// mutation and no event is ever dropped.
//
// The primary components are:
// - Event and its concrete payloads (status, metadata, context, node creation, tree completion)
// - Bus: fan-out of published events to named subscriptions
// - EventHandler: interface for components that consume events
package events
