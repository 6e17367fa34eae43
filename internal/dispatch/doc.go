// Package dispatch runs the polling loop that executes scheduled jobs.
//
// Each tick:
//
//  1. resets claimed jobs whose last update is older than StuckThreshold,
//  2. claims up to BatchSize due jobs with a conditional status update,
//  3. sends every target of every claimed job, isolating failures,
//  4. stores the aggregate status and notifies the owner once per job.
//
// The claim is the only concurrency guard: two workers (or two processes on
// the same database) never both observe a successful claim for one job.
package dispatch
