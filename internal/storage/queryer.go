package storage

import "database/sql"

// Queryer is the subset of database operations shared by *sql.DB and *sql.Tx.
// Stores accept it so the same write path runs standalone or inside an
// engine-owned transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}
