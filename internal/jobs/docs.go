// README: Package documentation for the scheduled background jobs.
// Package jobs provides scheduled background tasks for the dispatch core.
//
// Jobs run on github.com/robfig/cron/v3 with a seconds field in the schedule.
//
// # Available Jobs
//
//  1. DispatchSweepJob - finds ready, unassigned orders without a running dispatch loop and restarts them
//  2. StalePresenceJob - marks couriers offline when their last location report is too old
//
// # Usage
//
//	jobManager := jobs.NewJobManager(engine, couriers, jobs.Schedule{...}, logger)
//	if err := jobManager.StartAll(); err != nil {
//		return err
//	}
//	defer jobManager.StopAll()
//
// # Error Handling
//
// Job failures are logged and the next tick runs as scheduled. A failed start
// stops any job already started.
package jobs
