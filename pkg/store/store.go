package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested key is not stored in the partition
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidEntry indicates a stored entry could not be decoded
	ErrInvalidEntry = errors.New("invalid store entry")
)

// Kind is the logical name of a partition.
type Kind string

const (
	// KindStatic holds static assets (stylesheets, scripts, fonts, icons, images, HTML shells).
	KindStatic Kind = "static"

	// KindDynamic holds network-first content.
	KindDynamic Kind = "dynamic"

	// KindAPI holds API responses served stale-while-revalidate.
	KindAPI Kind = "api"
)

// Kinds lists every logical partition.
var Kinds = []Kind{KindStatic, KindDynamic, KindAPI}

// VersionTag identifies a build generation. Partition names are qualified
// with it so activation can purge stale generations.
type VersionTag string

// Name returns the version qualified partition name, e.g. "static-v1".
// A leading "v" on the tag is accepted and not doubled.
func (v VersionTag) Name(kind Kind) string {
	return fmt.Sprintf("%s-v%s", kind, strings.TrimPrefix(string(v), "v"))
}

// Names returns the partition names of the current generation.
func (v VersionTag) Names() []string {
	names := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		names = append(names, v.Name(k))
	}
	return names
}

// IsCurrent reports whether name belongs to this generation.
func (v VersionTag) IsCurrent(name string) bool {
	for _, n := range v.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Store is a set of named, persistent partitions.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Open returns the partition with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)

	// Partitions lists the names of all existing partitions.
	Partitions(ctx context.Context) ([]string, error)

	// DeletePartition removes a partition and all of its entries.
	// Deleting a missing partition is not an error.
	DeletePartition(ctx context.Context, name string) error

	// Close releases backend resources.
	Close() error
}

// Partition is a handle to one named key->entry mapping.
type Partition interface {
	// Name returns the partition name.
	Name() string

	// Get returns a copy of the stored entry, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Entry, error)

	// Put stores a copy of the entry, overwriting any previous entry.
	Put(ctx context.Context, key Key, entry *Entry) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// Keys lists the stored keys.
	Keys(ctx context.Context) ([]Key, error)
}

// StoreError wraps a backend failure.
type StoreError struct {
	Op        string
	Partition string
	Err       error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Partition != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Partition, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, partition string, err error) error {
	storeErrors.WithLabelValues(op).Inc()
	return &StoreError{Op: op, Partition: partition, Err: err}
}

func validateEntry(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	return nil
}
