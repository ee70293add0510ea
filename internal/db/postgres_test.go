package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loghub/trace-relay/internal/db"
)

func TestMigrationURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/relay":   "pgx5://u:p@localhost:5432/relay",
		"postgresql://u:p@localhost:5432/relay": "pgx5://u:p@localhost:5432/relay",
		"pgx5://localhost/relay":                "pgx5://localhost/relay",
	}
	for in, want := range cases {
		assert.Equal(t, want, db.MigrationURL(in), in)
	}
}
