package trip

import "context"

// HistoryStore persists finalized trips. Implementations must keep trips in
// the order they were appended.
type HistoryStore interface {
	Append(ctx context.Context, t *Trip) error
	History(ctx context.Context) (*DrivingHistory, error)
}
