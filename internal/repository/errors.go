package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrUpsertConflict is returned when a merge violates a unique constraint.
	// Upserts target the natural key, so this indicates a schema or key bug.
	ErrUpsertConflict = errors.New("upsert conflict")

	// ErrStoreNotFound is returned when a StoreConfig row does not exist
	ErrStoreNotFound = errors.New("store config not found")
)

// translateWriteError maps driver errors surfaced through gorm's
// TranslateError onto repository errors.
func translateWriteError(err error, entity string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s: %v", ErrUpsertConflict, entity, err)
	}
	return fmt.Errorf("failed to upsert %s: %w", entity, err)
}
