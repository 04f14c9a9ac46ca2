// Package group implements group membership on a coord.Conn.
//
// A group is a persistent node at Root/Name. Members are ephemeral,
// sequential children of that node, so a member disappears when the session
// that joined it ends. A Group keeps one child watch on its node, re-armed
// on every read, and turns watch and reconnect notifications into
// set-level deltas. Every Subscription receives the same sequence of
// (before, after) pairs, in order, on its own goroutine; a slow subscriber
// never delays the others.
//
// Notifications that arrive while a broadcast is running are coalesced:
// subscribers see one aggregate delta rather than every individual join and
// leave.
package group
