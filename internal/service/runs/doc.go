// Package runs is the run control surface shared by the HTTP API and the
// VCS poller.
//
// Starts pass the pipeline's gate before reaching the scheduler:
//   - manual starts need confirm=true for require_confirmation rules;
//   - automatic starts never pass a require_confirmation rule;
//   - a trigger starts at most one run per revision.
//
// Scheduler events are persisted through Observer. Status reads prefer the
// scheduler and fall back to the run repository, so runs stay visible after
// they leave the in-memory archive or the process restarts.
package runs
