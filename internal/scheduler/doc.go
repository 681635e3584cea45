// Package scheduler owns the automation registry, the due-check ticker, the
// single-consumer job queue, and the control surface (add/pause/resume/
// delete/force-execute).
//
// Concurrency model: one registry mutex guards every mutate+persist sequence,
// including the due pass's compare/enqueue/pre-update. Exactly one worker
// goroutine consumes the queue; single-file execution is the rate-limiting
// mechanism protecting the posting target, not an implementation shortcut.
package scheduler
