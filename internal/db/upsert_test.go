package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordsCfg = UpsertConfig{
	Table:        "civic_records",
	Columns:      []string{"jurisdiction_id", "kind", "external_id", "fields"},
	ConflictKeys: []string{"jurisdiction_id", "kind", "external_id"},
}

func TestUpsertTx_EmptyRows(t *testing.T) {
	n, err := UpsertTx(context.TODO(), nil, recordsCfg, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsertTx_NoColumns(t *testing.T) {
	_, err := UpsertTx(context.TODO(), nil, UpsertConfig{
		Table:        "civic_records",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestUpsertTx_NoConflictKeys(t *testing.T) {
	_, err := UpsertTx(context.TODO(), nil, UpsertConfig{
		Table:   "civic_records",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestUpsertTx_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{TempTable("civic_records")}, recordsCfg.Columns).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := UpsertTx(context.Background(), mock, recordsCfg, [][]any{
		{"ca-fed", "bill", "C-11", []byte(`{}`)},
		{"ca-fed", "bill", "C-18", []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTx_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{TempTable("civic_records")}, recordsCfg.Columns).WillReturnError(fmt.Errorf("disk full"))

	_, err = UpsertTx(context.Background(), mock, recordsCfg, [][]any{{"ca-fed", "bill", "C-11", []byte(`{}`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL(recordsCfg, TempTable("civic_records"))
	assert.Equal(t,
		`INSERT INTO "civic_records" ("jurisdiction_id", "kind", "external_id", "fields") `+
			`SELECT "jurisdiction_id", "kind", "external_id", "fields" FROM "_tmp_upsert_civic_records" `+
			`ON CONFLICT ("jurisdiction_id", "kind", "external_id") DO UPDATE SET "fields" = EXCLUDED."fields"`,
		got)

	keysOnly := UpsertConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}}
	assert.Contains(t, upsertSQL(keysOnly, "tmp"), "DO NOTHING")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"civic.records", `"civic"."records"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
