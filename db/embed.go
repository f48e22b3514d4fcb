// Package db provides the embedded database schema and seed catalog.
package db

import _ "embed"

// Schema contains the DDL statements for the tables of both services.
//
//go:embed migrations/001_schema.sql
var Schema string

// Goods is the seed catalog as a JSON array.
//
//go:embed seed/goods.json
var Goods []byte
