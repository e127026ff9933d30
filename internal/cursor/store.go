package cursor

import "context"

//go:generate mockgen -destination=store_mock.go -package=cursor -source=store.go

// Store persists the resume position for a capture task between restarts.
// Load returning (nil, nil) means no position exists: the task starts fresh.
type Store interface {
	Load(ctx context.Context, taskID string) (*Position, error)
	Save(ctx context.Context, taskID string, pos Position) error
}
