package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/tern/v2/migrate"
)

// VersionTable is the table tern records the schema version in.
const VersionTable = "schema_version"

// Migrate brings the database schema up to date. A positive target migrates
// up or down to that version instead of the latest one.
func Migrate(ctx context.Context, conn *pgx.Conn, target int32) error {
	m, err := migrate.NewMigrator(ctx, conn, VersionTable)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	err = m.LoadMigrations(Migrations)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	if target > 0 {
		err = m.MigrateTo(ctx, target)
	} else {
		err = m.Migrate(ctx)
	}

	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
