package jdbc

import (
	"context"
	"database/sql"

	"github.com/datazip-inc/olake-cdc/typeutils"
)

// Capture runs query and calls onCapture for every row.
func Capture(ctx context.Context, db *sql.DB, query string, onCapture func(rows *sql.Rows) error, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := onCapture(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MapScan scans the current row into dest keyed by column name. Byte slices
// are converted to strings.
func MapScan(rows *sql.Rows, dest map[string]any) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	scanValues := make([]any, len(columns))
	for i := range scanValues {
		scanValues[i] = new(any) // Allocate pointers for scanning
	}

	if err := rows.Scan(scanValues...); err != nil {
		return err
	}

	for i, col := range columns {
		dest[col] = *(scanValues[i].(*any)) // Dereference pointer before storing
	}
	typeutils.ReformatByteArraysToString(dest)
	return nil
}
