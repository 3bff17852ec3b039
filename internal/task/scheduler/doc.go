// Package scheduler provides schedule registration and trigger calculation (cron/interval/once).
//
// Execution is delegated to the task engine. The scheduler is responsible only for:
//   - registering schedules
//   - computing next trigger times
//   - enqueueing tasks into the task engine
//
// One-shot timers live in memory only; they are lost when the process exits.
package scheduler
