// Package sequencer drives GNSS scan groups from scheduling to uplink.
//
// A Controller owns all sequence state. Application calls (Start, Cancel,
// the setters and the event accessors) and scheduler notifications (task
// launch, task completion, uplink completion) are all executed as closures
// on the goroutine running Run, in arrival order. Application calls wait
// for their result. Notifications do not wait for the closure to run, but
// they block while the command queue is full.
//
// Every scheduled task carries a generation. Launch and completion
// notifications of a task that is no longer current are dropped, and a
// sequence retries scheduler aborts at most once per group slot before it
// ends with ErrorUnknown.
//
// Lifecycle of one sequence:
//
//	Start ──► Scheduled ──launch──► Running ──done──┬─► Scheduled (group not full, or transient abort)
//	                                                ├─► Draining ──tx done…──► Idle (Terminated)
//	                                                └─► Idle (error / cancel event)
//
// Cancel is only accepted before the first scan of a sequence launched.
package sequencer
