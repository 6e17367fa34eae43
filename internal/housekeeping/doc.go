// Package housekeeping runs periodic maintenance on cron schedules: the
// correlation TTL sweep and finished-job retention.
//
// Schedules are standard 5 or 6 field cron specs or "@every <duration>".
// Interval schedules get a random first-run spread so restarts do not line
// up with other processes. Overlapping runs of one job are skipped.
package housekeeping
