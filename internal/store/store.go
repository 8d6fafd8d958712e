// Package store persists customer records and the outbound message log.
// The contract is deliberately coarse: whole-collection load/replace for
// customers plus an append-only message log, matching both backends.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a customer id has no record.
var ErrNotFound = errors.New("record not found")

// Store is the persistence boundary shared by the scheduler, lifecycle
// tracker and operator API.
type Store interface {
	LoadCustomers(ctx context.Context) ([]*Customer, error)
	SaveCustomers(ctx context.Context, customers []*Customer) error
	GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error)
	UpsertCustomer(ctx context.Context, c *Customer) error
	AppendMessage(ctx context.Context, rec *MessageRecord) error
	ListMessages(ctx context.Context, limit int) ([]*MessageRecord, error)
	Close()
}
