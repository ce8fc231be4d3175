// Package ops embeds the SQL migrations and seeds shipped with the binary.
package ops

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed seeds/*.sql
var seedsFS embed.FS

// Migrations is the migration set rooted at the SQL files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds is the seed set rooted at the SQL files.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedsFS, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
