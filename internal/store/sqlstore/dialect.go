package sqlstore

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name   string
	Driver string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// appended to the game select inside LockGame
	lockSuffix string
	// isolation for Snapshot; nil means the driver default
	snapshotTx *sql.TxOptions

	isUniqueViolation func(error) bool
}

var Postgres = Dialect{
	Name:       "postgres",
	Driver:     "postgres",
	numbered:   true,
	lockSuffix: " FOR UPDATE",
	snapshotTx: &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	isUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// SQLite has no row locks; the store runs on a single connection so every
// transaction is already exclusive.
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	isUniqueViolation: func(err error) bool {
		var sqliteErr *msqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	},
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
