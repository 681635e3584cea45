// Package publisher delivers rendered posts to external destinations.
package publisher

import (
	"context"

	"postpilot/internal/automation"
)

// Publisher is the capability the worker checks and uses for each run.
//
// IsLoggedIn is a cheap local check (credentials configured, client built).
// IsSessionValid may hit the network and should be treated as advisory; both
// must be true before a run is allowed to proceed.
type Publisher interface {
	IsLoggedIn() bool
	IsSessionValid(ctx context.Context) bool
	// Publish sends one post to one destination. Errors are per-destination;
	// the caller decides whether to continue with the remaining ones.
	Publish(ctx context.Context, destination string, tpl automation.Template) error
}
