//go:build cgo && !purego

package graph

import (
	_ "github.com/mattn/go-sqlite3"
)

const sqliteDriver = "sqlite3"
