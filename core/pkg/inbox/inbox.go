// Package inbox is the consumer-side idempotency store. A marker row keyed
// by message id proves the handler for that message has committed at least
// once; its absence is the only precondition for invoking the handler.
package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/madcok-co/relay/core/pkg/contracts"
)

// Store reads markers from the side-appropriate inbox table.
type Store struct {
	command contracts.ConsumerEventRepository
	query   contracts.ConsumerEventRepository
}

// New creates a Store over the two inbox repositories.
func New(command, query contracts.ConsumerEventRepository) *Store {
	return &Store{command: command, query: query}
}

func (s *Store) repo(side contracts.TransactionSide) contracts.ConsumerEventRepository {
	if side == contracts.SideQuery {
		return s.query
	}
	return s.command
}

// Processed reports whether a marker for the message id exists on the given
// side.
func (s *Store) Processed(ctx context.Context, side contracts.TransactionSide, id string) (bool, error) {
	exists, err := s.repo(side).ExistsByMessageID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("inbox: lookup %s: %w", id, err)
	}
	return exists, nil
}

// NewMarker builds the marker row recorded inside the handler's transaction.
func NewMarker(id, typeName string, retryCount int, now time.Time) *contracts.ConsumerEvent {
	return &contracts.ConsumerEvent{
		ID:           id,
		Type:         typeName,
		CountOfRetry: retryCount,
		CreatedAt:    now.UTC(),
	}
}
