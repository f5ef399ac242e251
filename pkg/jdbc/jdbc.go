package jdbc

import (
	"fmt"
	"strings"

	"github.com/datazip-inc/olake-cdc/types"
	"github.com/lib/pq"
)

// Column aliases used by the change tracking query; base table columns keep
// their own names.
const (
	CTVersionColumn    = "__ct_version"
	CTOperationColumn  = "__ct_operation"
	CTCommitTimeColumn = "__ct_commit_time"
	CTKeyColumnPrefix  = "__ct_key_"
)

// SQL Server-Specific Queries

// QuoteSQLServer quotes an identifier with brackets.
func QuoteSQLServer(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func sqlServerTable(table types.TableRef) string {
	return fmt.Sprintf("%s.%s", QuoteSQLServer(table.Schema), QuoteSQLServer(table.Name))
}

// SQLServerCurrentVersionQuery returns the query for the current change tracking version
func SQLServerCurrentVersionQuery() string {
	return `SELECT CHANGE_TRACKING_CURRENT_VERSION()`
}

// SQLServerMinValidVersionQuery returns the query for the oldest version a
// client can sync from; the table is passed as @p1 ('schema.table').
func SQLServerMinValidVersionQuery() string {
	return `SELECT CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID(@p1))`
}

// SQLServerPrimaryKeyQuery returns the query for the primary key columns of a table
func SQLServerPrimaryKeyQuery() string {
	return `
		SELECT KCU.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS AS TC
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE AS KCU
			ON TC.CONSTRAINT_NAME = KCU.CONSTRAINT_NAME
			AND TC.TABLE_SCHEMA = KCU.TABLE_SCHEMA
			AND TC.TABLE_NAME = KCU.TABLE_NAME
		WHERE TC.CONSTRAINT_TYPE = 'PRIMARY KEY'
			AND TC.TABLE_SCHEMA = @p1
			AND TC.TABLE_NAME = @p2
		ORDER BY KCU.ORDINAL_POSITION
	`
}

// SQLServerChangesQuery returns the query for changes with since < version <= until
// (@p1, @p2). CHANGETABLE output is joined back to the base table on every
// primary key column; deleted rows join to NULLs and keep only their keys.
func SQLServerChangesQuery(table types.TableRef, primaryKeys []string) (string, error) {
	if len(primaryKeys) == 0 {
		return "", fmt.Errorf("table %s has no primary key; change tracking requires one", table)
	}
	keys := make([]string, 0, len(primaryKeys))
	join := make([]string, 0, len(primaryKeys))
	for _, pk := range primaryKeys {
		col := QuoteSQLServer(pk)
		keys = append(keys, fmt.Sprintf("CT.%s AS %s", col, QuoteSQLServer(CTKeyColumnPrefix+pk)))
		join = append(join, fmt.Sprintf("T.%s = CT.%s", col, col))
	}

	return fmt.Sprintf(`
		SELECT
			CT.SYS_CHANGE_VERSION AS %[1]s,
			CT.SYS_CHANGE_OPERATION AS %[2]s,
			TC.commit_time AS %[3]s,
			%[4]s,
			T.*
		FROM CHANGETABLE(CHANGES %[5]s, @p1) AS CT
		LEFT OUTER JOIN %[5]s AS T ON %[6]s
		LEFT OUTER JOIN sys.dm_tran_commit_table AS TC ON TC.commit_ts = CT.SYS_CHANGE_VERSION
		WHERE CT.SYS_CHANGE_VERSION <= @p2
		ORDER BY CT.SYS_CHANGE_VERSION ASC`,
		QuoteSQLServer(CTVersionColumn), QuoteSQLServer(CTOperationColumn), QuoteSQLServer(CTCommitTimeColumn),
		strings.Join(keys, ",\n\t\t\t"), sqlServerTable(table), strings.Join(join, " AND ")), nil
}

// PostgreSQL-Specific Queries

// PostgresWalLSNQuery returns the query to fetch the current WAL LSN in PostgreSQL
func PostgresWalLSNQuery() string {
	return `SELECT pg_current_wal_lsn()::text`
}

// PostgresCreatePublicationQuery returns the statement creating a publication
// for tables, or for all tables when none are given.
func PostgresCreatePublicationQuery(publication string, tables []types.TableRef) string {
	if len(tables) == 0 {
		return fmt.Sprintf(`CREATE PUBLICATION %s FOR ALL TABLES`, pq.QuoteIdentifier(publication))
	}
	quoted := make([]string, 0, len(tables))
	for _, t := range tables {
		quoted = append(quoted, fmt.Sprintf("%s.%s", pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name)))
	}
	return fmt.Sprintf(`CREATE PUBLICATION %s FOR TABLE %s`, pq.QuoteIdentifier(publication), strings.Join(quoted, ", "))
}

// PostgresPublicationExistsQuery returns the query checking for a publication by name ($1)
func PostgresPublicationExistsQuery() string {
	return `SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)`
}

// MySQL-Specific Queries

// MySQLMasterStatusQuery returns the query to fetch the current binlog position in MySQL
func MySQLMasterStatusQuery() string {
	return "SHOW MASTER STATUS"
}

// MySQLBinaryLogStatusQuery replaces SHOW MASTER STATUS on MySQL 8.4 and later
func MySQLBinaryLogStatusQuery() string {
	return "SHOW BINARY LOG STATUS"
}

// MySQLBinaryLogsQuery returns the query listing binlog files, oldest first
func MySQLBinaryLogsQuery() string {
	return "SHOW BINARY LOGS"
}

// MySQLGTIDExecutedQuery returns the query for the executed GTID set
func MySQLGTIDExecutedQuery() string {
	return "SELECT @@GLOBAL.gtid_executed"
}

// MySQLGTIDPurgedQuery returns the query for the GTID set no longer present in the binlogs
func MySQLGTIDPurgedQuery() string {
	return "SELECT @@GLOBAL.gtid_purged"
}

// MariaDBGTIDCurrentQuery returns the MariaDB equivalent of gtid_executed
func MariaDBGTIDCurrentQuery() string {
	return "SELECT @@GLOBAL.gtid_current_pos"
}

// MySQLBinlogFormatQuery returns the query for the binlog format; row based replication needs ROW
func MySQLBinlogFormatQuery() string {
	return "SELECT @@GLOBAL.binlog_format"
}

// MySQLTableColumnsQuery returns the query to fetch column names of a table in MySQL
func MySQLTableColumnsQuery() string {
	return `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
}
