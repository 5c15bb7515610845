// Package migrations embeds the run archive schema for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the migrations for the Postgres archive.
func Postgres() fs.FS { return sub("postgres") }

// SQLite returns the migrations for the SQLite archive.
func SQLite() fs.FS { return sub("sqlite") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		// Only reachable if the embed pattern above changes.
		panic(err)
	}
	return f
}
