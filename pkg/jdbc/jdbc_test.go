package jdbc

import (
	"testing"

	"github.com/datazip-inc/olake-cdc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLServerChangesQueryJoinsOnEveryPrimaryKey(t *testing.T) {
	query, err := SQLServerChangesQuery(types.TableRef{Schema: "sales", Name: "order_lines"}, []string{"order_id", "line_no"})
	require.NoError(t, err)

	assert.Contains(t, query, "FROM CHANGETABLE(CHANGES [sales].[order_lines], @p1) AS CT")
	assert.Contains(t, query, "LEFT OUTER JOIN [sales].[order_lines] AS T ON T.[order_id] = CT.[order_id] AND T.[line_no] = CT.[line_no]")
	assert.Contains(t, query, "CT.[order_id] AS [__ct_key_order_id]")
	assert.Contains(t, query, "CT.[line_no] AS [__ct_key_line_no]")
	assert.Contains(t, query, "WHERE CT.SYS_CHANGE_VERSION <= @p2")
	assert.Contains(t, query, "ORDER BY CT.SYS_CHANGE_VERSION ASC")
}

func TestSQLServerChangesQueryNeedsPrimaryKey(t *testing.T) {
	_, err := SQLServerChangesQuery(types.TableRef{Schema: "dbo", Name: "heap"}, nil)
	assert.Error(t, err)
}

func TestQuoteSQLServer(t *testing.T) {
	assert.Equal(t, "[orders]", QuoteSQLServer("orders"))
	assert.Equal(t, "[odd]]name]", QuoteSQLServer("odd]name"))
}

func TestPostgresCreatePublicationQuery(t *testing.T) {
	assert.Equal(t, `CREATE PUBLICATION "olake_pub" FOR ALL TABLES`, PostgresCreatePublicationQuery("olake_pub", nil))
	assert.Equal(t,
		`CREATE PUBLICATION "olake_pub" FOR TABLE "public"."orders", "billing"."Invoices"`,
		PostgresCreatePublicationQuery("olake_pub", []types.TableRef{{Schema: "public", Name: "orders"}, {Schema: "billing", Name: "Invoices"}}),
	)
}
