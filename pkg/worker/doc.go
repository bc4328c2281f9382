// Package worker runs the background consumers that drive conveyor
// workflows forward.
//
// A worker pool consumes the two task kinds from a task queue with separate
// goroutine sets, so a burst of slow pipeline items never starves source
// polling. Each kind carries its own retry policy: failed tasks are
// re-enqueued with exponential backoff until their delivery budget runs
// out, at which point the handler's Fail hook records the permanent
// failure.
//
// Workers are decoupled from any particular backend. They see only the
// taskqueue.Queue interface and a Handler, which the engine's orchestrator
// implements. Multiple workers can safely consume the same queue.
//
// Most applications construct workers through the conveyor package, which
// wires the queue, engine and observers together with defaults.
package worker
