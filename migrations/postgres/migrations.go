package migrations

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/uptrace/bun/migrate"
)

//go:embed *.sql
var migrationFS embed.FS

// FS exposes the embedded SQL for external runners.
var FS = migrationFS

// Migrations is a bun/migrate registry holding the signing-key cache table.
var Migrations = migrate.NewMigrations()

func init() {
	if err := Migrations.Discover(migrationFS); err != nil {
		panic(err)
	}
}

// UpStatements returns the up SQL of every migration, oldest first. The
// statements are idempotent so they can be applied on every start.
func UpStatements() ([]string, error) {
	var out []string
	for _, m := range Migrations.Sorted() {
		name := m.Name + "_" + m.Comment + ".up.sql"
		b, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return nil, fmt.Errorf("migrations: read %s: %w", name, err)
		}
		out = append(out, string(b))
	}
	return out, nil
}
