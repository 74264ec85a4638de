// Package cron runs jobs on five-field cron schedules with minute resolution.
//
// Field bounds follow zero-based calendar conventions: minute 0-59, hour
// 0-23, date 1-31, month 0-11 (0 is January) and weekday 0-6 (0 is Sunday).
//
// A Scheduler ticks about once a second. A job fires when the minute bucket
// advances and its expression matches. Serial jobs additionally take a
// fleet-wide lock named after the job so that only one process runs them per
// matching minute; parallel jobs run on every process.
package cron
