package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestContextCarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("request_id", "r-1").Logger()

	ctx := WithLogger(context.Background(), logger)
	got := FromContext(ctx)
	got.Info().Msg("hello")

	entry := decode(t, &buf)
	require.Equal(t, "r-1", entry["request_id"])
	require.Equal(t, "hello", entry["message"])
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.Equal(t, zerolog.Disabled, logger.GetLevel())
}

func TestFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := WithOperation(WithOrderID(WithAccount(zerolog.New(&buf), "acc"), "ord-9"), "cancel")
	LogWallet(logger, "acc", "deposit", decimal.NewFromInt(100), decimal.NewFromInt(1100))

	entry := decode(t, &buf)
	require.Equal(t, "acc", entry["account_id"])
	require.Equal(t, "ord-9", entry["order_id"])
	require.Equal(t, "cancel", entry["operation"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	require.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	require.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}
