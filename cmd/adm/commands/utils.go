package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maskDatabaseURL hides the credentials of a connection URL, keeping scheme and host
func maskDatabaseURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return raw
	}
	scheme := "postgres://"
	if i := strings.Index(raw, "://"); i >= 0 && i < at {
		scheme = raw[:i+3]
	}
	return scheme + "***:***" + raw[at:]
}

// getDatabaseInfo describes the database a connection points at
func getDatabaseInfo(ctx context.Context, db *sql.DB) string {
	if db == nil {
		return "Not connected"
	}

	var dbName, version string
	if err := db.QueryRowContext(ctx, "SELECT current_database(), current_setting('server_version')").Scan(&dbName, &version); err != nil {
		return "Connected (unknown database)"
	}

	var lessons int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lessons").Scan(&lessons); err != nil {
		return fmt.Sprintf("Connected to %s (PostgreSQL %s, schema not migrated)", dbName, version)
	}
	return fmt.Sprintf("Connected to %s (PostgreSQL %s, %d lessons)", dbName, version, lessons)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
