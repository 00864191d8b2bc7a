// Package cron fires the heartbeat and configured scheduled jobs.
//
// Jobs are declared in configuration. Each job carries an interval or a
// cron expression with an optional timezone and active-hours window. State
// (last run, status, consecutive errors) is persisted so it survives a
// restart, but missed fires are never replayed.
package cron
