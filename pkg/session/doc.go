// Package session persists multi-step workflow conversations as one JSON
// record per session under a managed directory.
//
// Invariants:
// - Every mutation through a Session handle is written through to disk before it returns.
// - Session ids are unique by construction (millisecond timestamp plus random suffix).
// - Cache eviction only bounds memory; it never touches durable records.
// - Garbage collection only reclaims sessions in a terminal status.
//
// There is no cross-process locking: two managers sharing one directory race
// on writes to the same id, and the last writer wins. StoreWatcher narrows the
// cache-staleness side of that, nothing more.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.Options{Dir: "/tmp/checkpoint/sessions"})
//	sess, _ := mgr.Create(270, session.CreateParams{Complexity: session.ComplexityMedium})
//	_ = sess.AddTurn(session.ConversationTurn{Step: "decompose", Prompt: "...", Response: "..."})
//	again, _ := mgr.Resume(sess.ID())
//	_ = again
package session
