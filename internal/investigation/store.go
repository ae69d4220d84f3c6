package investigation

import "context"

// TurnCallback is invoked after each turn is appended during Engine.Run.
type TurnCallback func(ctx context.Context, seq int, turn *Turn) error

// Store is the persistence interface for investigation sessions.
type Store interface {
	Get(ctx context.Context, id string) (*Session, bool, error)
	GetByIncidentKey(ctx context.Context, key string) (*Session, bool, error)
	Put(ctx context.Context, s *Session) error
	AppendTurn(ctx context.Context, sessionID string, seq int, turn *Turn) (messageID int, err error)
	AppendToolCalls(ctx context.Context, sessionID string, messageID, messageSeq int, turn *Turn, toolResults map[string]*ContentBlock) error
}
