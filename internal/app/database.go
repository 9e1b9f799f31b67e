package app

import "context"

// DatabaseSvc describes the bookkeeping of the instance databases on the machine postgres servers.
type DatabaseSvc interface {
	// Sizes returns the size in bytes of every database on the server of the machine.
	Sizes(ctx context.Context, m Machine) (map[string]int64, error)
	UpdateJob(ctx context.Context) error
}
