//go:build !cgo || purego

package graph

import (
	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"
