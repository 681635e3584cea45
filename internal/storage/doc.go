// Package storage persists scheduling state so automations survive restarts.
//
// It stores:
//   - Automation records (full-map mirror writes from the registry)
//   - Post templates (referenced by automations, managed elsewhere)
//   - Run log entries (bounded history of completed runs)
package storage
