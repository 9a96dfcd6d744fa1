// Package stats reads a running server's /metrics endpoint and summarises it.
//
// It backs the `tunnelvision-server stats` command: Fetch scrapes the
// Prometheus text exposition, Summarise folds the tunnelvision_* families
// into a Report, and Report.Write prints it as an aligned table.
package stats
