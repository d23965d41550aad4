package clickhouse

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cockroachdb/errors"
)

const schemaVersion = "1.0.0"

// initializeSchema creates the resource table and its version table.
func initializeSchema(ctx context.Context, conn driver.Conn, table string) error {
	versions := table + "_schema_version"
	if err := conn.Exec(ctx, fmt.Sprintf(schemaVersionTableDDL, versions)); err != nil {
		return errors.Wrapf(err, "creating table %s", versions)
	}

	current, err := currentSchemaVersion(ctx, conn, versions)
	if err != nil {
		return errors.Wrap(err, "checking schema version")
	}
	if current != "" && current != schemaVersion {
		return errors.Newf("table %s has schema %s, expected %s", table, current, schemaVersion)
	}

	if err := conn.Exec(ctx, fmt.Sprintf(resourcesTableDDL, table)); err != nil {
		return errors.Wrapf(err, "creating table %s", table)
	}

	if current == "" {
		if err := conn.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version) VALUES (?)", versions), schemaVersion); err != nil {
			return errors.Wrap(err, "setting schema version")
		}
	}
	return nil
}

func currentSchemaVersion(ctx context.Context, conn driver.Conn, versions string) (string, error) {
	var version string
	err := conn.QueryRow(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY applied_at DESC LIMIT 1", versions)).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return version, nil
}

const schemaVersionTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
    version String,
    applied_at DateTime64(3) DEFAULT now64(3)
) ENGINE = MergeTree()
ORDER BY applied_at
`

// Every write inserts a row; the highest version per path wins. Deletes
// insert a tombstone.
const resourcesTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
    path String,
    content String CODEC(ZSTD(3)),
    ts Int64,
    deleted UInt8,
    version UInt64
) ENGINE = ReplacingMergeTree(version)
ORDER BY path
`
