package app

import (
	"context"
	"time"
)

const (
	// ActivityInfo defines a plain message.
	ActivityInfo = "info"
	// ActivityError defines a message that asks for attention.
	ActivityError = "error"
)

// Activity is a model that represents a human-visible message in the branch log.
type Activity struct {
	ID        uint64    `json:"id"`
	BranchID  uint64    `json:"branchId"`
	Level     string    `json:"level"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActivityRepo describes interactions with the activity DB.
type ActivityRepo interface {
	Add(ctx context.Context, a Activity) (Activity, error)
	FindByBranch(ctx context.Context, branchID uint64) ([]Activity, error)
}
