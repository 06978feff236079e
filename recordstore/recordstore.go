// Package recordstore implements the durable VM record store (4.L):
// insert-fails-if-exists, get, update-by-closure, remove, and list over
// types.VmRecord, backed by a single flock-protected JSON file in a global
// config namespace (one store serves every VM on the host, keyed by name).
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	storejson "github.com/clickclack-bot/smolvm/storage/json"
	"github.com/clickclack-bot/smolvm/types"
)

// ErrExists is returned by Insert when name already has a record.
var ErrExists = errors.New("recordstore: record already exists")

// ErrNotFound is returned by Get, Update, and Remove when name has no record.
var ErrNotFound = errors.New("recordstore: record not found")

// ErrAmbiguousRef is returned by Resolve when a name-prefix matches more
// than one record.
var ErrAmbiguousRef = errors.New("recordstore: ambiguous reference")

// minPrefixLen is the shortest ref Resolve will try to match by prefix,
// guarding against a one- or two-character ref matching half the fleet.
const minPrefixLen = 3

// index is the top-level structure persisted to the backing JSON file.
type index struct {
	Records map[string]types.VmRecord `json:"records"`
}

// Init implements storage.Initer, initializing the map after a fresh load
// or when the backing file doesn't exist yet.
func (idx *index) Init() {
	if idx.Records == nil {
		idx.Records = make(map[string]types.VmRecord)
	}
}

// Store is the concrete VmRecord backing store satisfying supervisor.RecordStore.
type Store struct {
	backing *storejson.Store[index]
}

// New returns a Store persisting to filePath, serialized across processes
// by an flock at lockPath.
func New(lockPath, filePath string) *Store {
	return &Store{backing: storejson.New[index](lockPath, filePath)}
}

// Insert adds rec under rec.Name, failing if a record already exists there.
func (s *Store) Insert(ctx context.Context, rec types.VmRecord) error {
	return s.backing.Update(ctx, func(idx *index) error {
		if _, ok := idx.Records[rec.Name]; ok {
			return fmt.Errorf("%w: %s", ErrExists, rec.Name)
		}
		idx.Records[rec.Name] = rec
		return nil
	})
}

// Get returns name's record.
func (s *Store) Get(ctx context.Context, name string) (types.VmRecord, error) {
	var rec types.VmRecord
	var found bool
	if err := s.backing.With(ctx, func(idx *index) error {
		rec, found = idx.Records[name]
		return nil
	}); err != nil {
		return types.VmRecord{}, err
	}
	if !found {
		return types.VmRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec, nil
}

// Update loads name's record, applies fn, and persists the result. fn
// mutating the record's Name has no effect on its key in the index.
func (s *Store) Update(ctx context.Context, name string, fn func(*types.VmRecord) error) error {
	return s.backing.Update(ctx, func(idx *index) error {
		rec, ok := idx.Records[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		idx.Records[name] = rec
		return nil
	})
}

// Remove deletes name's record.
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.backing.Update(ctx, func(idx *index) error {
		if _, ok := idx.Records[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		delete(idx.Records, name)
		return nil
	})
}

// List returns every record in no particular order.
func (s *Store) List(ctx context.Context) ([]types.VmRecord, error) {
	var out []types.VmRecord
	if err := s.backing.With(ctx, func(idx *index) error {
		out = make([]types.VmRecord, 0, len(idx.Records))
		for _, rec := range idx.Records {
			out = append(out, rec)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve resolves a user-supplied reference to a stored VM name: exact
// name match, falling back to an unambiguous name-prefix match (>=3
// chars). Unlike the teacher's ResolveVMRef, there is no separate
// generated ID to try first — VmRecord is keyed by name alone, so prefix
// matching operates directly on names.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	var resolved string
	err := s.backing.With(ctx, func(idx *index) error {
		if _, ok := idx.Records[ref]; ok {
			resolved = ref
			return nil
		}
		if len(ref) >= minPrefixLen {
			match := ""
			for name := range idx.Records {
				if strings.HasPrefix(name, ref) {
					if match != "" {
						return fmt.Errorf("%w: %q", ErrAmbiguousRef, ref)
					}
					match = name
				}
			}
			if match != "" {
				resolved = match
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	})
	if err != nil {
		return "", err
	}
	return resolved, nil
}
