package store

import (
	"database/sql"
	"fmt"

	"github.com/PaperCranium/BrowserSats/internal/logging"
)

// Migration adds a column that databases created by older builds lack.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations is applied on every Open.
var pendingMigrations = []Migration{
	// Early builds stored only the price.
	{"price_cache", "source", "TEXT NOT NULL DEFAULT ''"},
	{"price_history", "source", "TEXT NOT NULL DEFAULT ''"},
}

// RunMigrations applies pendingMigrations, skipping columns that already
// exist and tables that do not.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}
	logging.StoreDebug("Schema migrations complete: applied=%d", applied)
	return nil
}

// columnExists checks a column using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	if err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}
