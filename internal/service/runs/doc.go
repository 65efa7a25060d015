// Package runs triggers, inspects, and decides pipeline runs.
//
// States:
//   - pending -> running -> awaiting_approval -> running -> succeeded
//   - running -> failed, awaiting_approval -> rejected
//   - pending -> failed when the trigger cannot be audited
//
// Execution happens on a goroutine per run. Trigger returns as soon as the
// pending run is stored; Approve returns once the decision is recorded and
// the resumed execution has been started. Resume restarts runs left pending
// or running by a previous process.
//
// Auditing:
//   - Trigger, Approve and Reject each append exactly one audit event.
//   - Rejected calls (validation, wrong state) append nothing.
package runs
