package dump

import (
	"fmt"

	"gorm.io/gorm"
)

// ConstraintScope suspends foreign-key enforcement around a full restore
// pass. Begin and End are called exactly once each, inside the same
// transaction as the clearing and loading steps, so cross-table insertion
// order does not have to be perfect when the dependency graph has cycles.
type ConstraintScope interface {
	Begin(tx *gorm.DB) error
	End(tx *gorm.DB) error
}

// ScopeFor returns the constraint scope for a gorm dialect name.
func ScopeFor(dialect string) (ConstraintScope, error) {
	switch dialect {
	case "sqlite":
		return sqliteScope{}, nil
	case "mysql":
		return mysqlScope{}, nil
	case "postgres":
		return postgresScope{}, nil
	default:
		return nil, fmt.Errorf("no constraint scope for dialect %q", dialect)
	}
}

// sqliteScope defers FK checks until commit. The pragma is transaction
// scoped, so End is a no-op beyond symmetry.
type sqliteScope struct{}

func (sqliteScope) Begin(tx *gorm.DB) error {
	return tx.Exec("PRAGMA defer_foreign_keys = ON").Error
}

func (sqliteScope) End(tx *gorm.DB) error {
	return tx.Exec("PRAGMA defer_foreign_keys = OFF").Error
}

// mysqlScope disables session FK checks for the duration of the pass.
type mysqlScope struct{}

func (mysqlScope) Begin(tx *gorm.DB) error {
	return tx.Exec("SET FOREIGN_KEY_CHECKS = 0").Error
}

func (mysqlScope) End(tx *gorm.DB) error {
	return tx.Exec("SET FOREIGN_KEY_CHECKS = 1").Error
}

// postgresScope defers all deferrable constraints to commit.
type postgresScope struct{}

func (postgresScope) Begin(tx *gorm.DB) error {
	return tx.Exec("SET CONSTRAINTS ALL DEFERRED").Error
}

func (postgresScope) End(tx *gorm.DB) error {
	return tx.Exec("SET CONSTRAINTS ALL IMMEDIATE").Error
}
