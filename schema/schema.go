// Package schema contains the tern migrations for the Postgres storage
// backend.
package schema

import "embed"

//go:embed *.sql
var Migrations embed.FS
