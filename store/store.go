package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Store is the persistence gateway for the engine. It exposes typed reads
// and writes over the sequence entities; business rules live in the callers.
// All counter updates go through gorm.Expr atomic increments so concurrent
// workers never lose updates to read-modify-write races.
type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = gorm.ErrRecordNotFound

// isDuplicateKey reports whether err is a unique constraint violation.
// TranslateError handles the common case; the string check covers drivers
// that surface the raw constraint error.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
