// Package store persists credential bundles. Two backends exist: a single
// JSON document on disk (the format the import tooling reads directly) and
// an append-only Postgres table for deployments where several workers share
// one collection. Both are append-only: a new run for the same address adds
// a record, it never rewrites history.
package store

import (
	"context"
	"errors"

	"github.com/kirotools/accountforge/internal/bundle"
)

// ErrNotFound is returned by MarkStatus when no record exists for the
// address.
var ErrNotFound = errors.New("store: no record for address")

// Store is the persistence contract the orchestrator writes through.
type Store interface {
	// Append adds one bundle to the end of the collection. Appending the
	// same address twice yields two records.
	Append(ctx context.Context, b *bundle.Bundle) error
	// List returns every stored bundle in insertion order.
	List(ctx context.Context) ([]bundle.Bundle, error)
	// MarkStatus raises the status of the newest record for the address.
	// A status never regresses; marking a lower status is a no-op.
	MarkStatus(ctx context.Context, email string, status bundle.Status) error
	// Close releases backend resources.
	Close() error
}
