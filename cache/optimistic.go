package cache

import (
	"context"
)

// MutationFunc performs the remote mutation for an optimistic update. When
// the returned flag is true, the returned value is authoritative and
// overwrites the optimistic one
type MutationFunc[T any] func(ctx context.Context, optimistic T) (T, bool, error)

// PerformUpdate applies the optimistic value to the cache key synchronously,
// before the remote mutation starts, so every observer of the cache sees it
// instantly. After the remote call settles the entry is either confirmed
// (authoritative value, or the optimistic one kept) or rolled back to the
// pre-mutation snapshot as a full overwrite. The cache is never left in an
// unconfirmed optimistic state.
//
// Concurrent updates of the same key are not serialized here; callers that
// need exclusivity go through the operation scheduler
func PerformUpdate[T any](ctx context.Context, s *Store, key string, optimistic T, mutation MutationFunc[T]) (T, error) {
	snapshot, existed := s.swapValue(key, optimistic)

	authoritative, replace, err := mutation(ctx, optimistic)
	if err != nil {
		s.restoreEntry(key, snapshot, existed)
		var zero T
		return zero, err
	}
	if replace {
		s.Set(key, authoritative)
		return authoritative, nil
	}
	return optimistic, nil
}
