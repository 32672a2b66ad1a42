// Package telemetry turns raw worker output into typed events and fans those
// events out to live observers.
//
// A worker writes free-form text to stdout and stderr. Lines of the form
//
//	PROGRESS <current> <total>
//
// become Progress records, every other non-empty line becomes a Log record.
// The Orchestrator tags records with a job id and publishes them on a Bus as
// one of exactly three Event kinds: Progress, Log and Done.
//
// Bus delivery is per job id, fan-out, in publication order, and never drops
// an event for a connected Subscription. Nothing is buffered for subscribers
// that attach later. A Subscription yields at most one Done and nothing after
// it, so a caller may inject a Done for a job that already finished without
// risking a duplicate.
package telemetry
