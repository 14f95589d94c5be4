// Package sink materializes LiveAggregator state into the KV and SQL
// external stores, and the RollupAggregator's hour/day stats into SQL.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
)

// StageAndMerge implements the staging-table-plus-merge idiom every
// periodic flush uses: create a TEMPORARY table shaped like the
// target, bulk-insert the batch into it, then merge into the target
// with a single `INSERT ... ON DUPLICATE KEY UPDATE` keyed by the
// target's unique key. The staging table name embeds the process id so
// concurrent instances don't collide; it is dropped on return either
// way, so no partial state is ever exposed on error.
//
// columns lists the staging table's column definitions (e.g.
// "worker_id BIGINT, puid INT"); insertColumns lists the column names
// shared by the staging table and the target, in the order values are
// bound; skipOnUpdate names the insertColumns that must NOT be
// refreshed on conflict (e.g. a column another component owns); rows is
// the set of value tuples to insert, each matching insertColumns'
// length. uniqueKey documents, but does not enforce, the key the merge
// relies on — that constraint must exist on the target table already.
func StageAndMerge(ctx context.Context, db *sql.DB, target, columns string, insertColumns []string, skipOnUpdate []string, uniqueKey string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	_ = uniqueKey

	staging := fmt.Sprintf("staging_%s_%d", target, os.Getpid())

	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TEMPORARY TABLE IF EXISTS %s", staging)); err != nil {
		return fmt.Errorf("sink: drop stale staging table: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TEMPORARY TABLE %s (%s)", staging, columns)); err != nil {
		return fmt.Errorf("sink: create staging table: %w", err)
	}
	defer db.ExecContext(ctx, fmt.Sprintf("DROP TEMPORARY TABLE IF EXISTS %s", staging))

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(insertColumns)), ",") + ")"
	var valueSQL strings.Builder
	args := make([]interface{}, 0, len(rows)*len(insertColumns))
	for i, row := range rows {
		if i > 0 {
			valueSQL.WriteByte(',')
		}
		valueSQL.WriteString(placeholders)
		args = append(args, row...)
	}

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", staging, strings.Join(insertColumns, ","), valueSQL.String())
	if _, err := db.ExecContext(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("sink: bulk insert into staging table: %w", err)
	}

	skip := make(map[string]bool, len(skipOnUpdate))
	for _, c := range skipOnUpdate {
		skip[c] = true
	}
	updateExprs := make([]string, 0, len(insertColumns))
	for _, c := range insertColumns {
		if skip[c] {
			continue
		}
		updateExprs = append(updateExprs, fmt.Sprintf("%s.%s = %s.%s", target, c, staging, c))
	}

	mergeSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON DUPLICATE KEY UPDATE %s",
		target, strings.Join(insertColumns, ","), strings.Join(insertColumns, ","), staging, strings.Join(updateExprs, ","),
	)
	if _, err := db.ExecContext(ctx, mergeSQL); err != nil {
		return fmt.Errorf("sink: merge staging table into %s: %w", target, err)
	}
	return nil
}
