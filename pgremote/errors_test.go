package pgremote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-livesync/livesync"
)

func TestClassify(t *testing.T) {
	missingColumn := &pgconn.PgError{Code: "42703", Message: `column "data" does not exist`}
	missingTable := &pgconn.PgError{Code: "42P01", Message: `relation "public.posts" does not exist`}
	adminShutdown := &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}
	refused := errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

	err := classify(livesync.OpFetchAll, "posts", fmt.Errorf("query: %w", missingColumn))
	require.ErrorIs(t, err, livesync.ErrSchemaMismatch)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, "42703", pgErr.Code)

	require.ErrorIs(t, classify(livesync.OpFetchAll, "posts", missingTable), livesync.ErrSchemaMismatch)
	require.ErrorIs(t, classify(livesync.OpUpsertOne, "posts", adminShutdown), livesync.ErrTransient)
	require.ErrorIs(t, classify(livesync.OpDeleteOne, "posts", refused), livesync.ErrTransient)
	require.NoError(t, classify(livesync.OpDeleteOne, "posts", nil))

	require.ErrorIs(t, classifyBatch(livesync.OpBulkUpsert, "posts", refused), livesync.ErrPartialBatch)
	require.ErrorIs(t, classifyBatch(livesync.OpBulkUpsert, "posts", missingColumn), livesync.ErrSchemaMismatch)

	invalid := livesync.ValidateCollectionName("Bad")
	require.Equal(t, invalid, classify(livesync.OpFetchAll, "Bad", invalid))
}

func TestValidate(t *testing.T) {
	s := New(nil, nil, nil)

	require.NoError(t, s.validate("employees"))
	require.ErrorIs(t, s.validate("Employees"), livesync.ErrInvalidName)
	// Fits a table name but not a channel name once prefixed.
	require.ErrorIs(t, s.validate(strings.Repeat("a", 60)), livesync.ErrInvalidName)
}

func TestNamingUsesSchemaAndPrefix(t *testing.T) {
	s := New(nil, &Config{Schema: "app", ChannelPrefix: "ls_"}, nil)

	require.Equal(t, `"app"."cash_shifts"`, s.table("cash_shifts"))
	require.Equal(t, "ls_cash_shifts", s.channel("cash_shifts"))
}

func TestUpsertArgs(t *testing.T) {
	args, err := upsertArgs(livesync.Row{ID: "1", Data: []byte(" null ")})
	require.NoError(t, err)
	require.Equal(t, "1", args["id"])
	require.JSONEq(t, `{}`, string(args["data"].(json.RawMessage)))

	_, err = upsertArgs(livesync.Row{Data: []byte(`{}`)})
	require.Error(t, err)
}
