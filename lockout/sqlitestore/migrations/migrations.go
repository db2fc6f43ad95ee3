package migrations

import "embed"

// Migrations holds the attempt store schema.
//
//go:embed *.sql
var Migrations embed.FS
