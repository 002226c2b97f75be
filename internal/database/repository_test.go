package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/market-collector/internal/models"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	t.Cleanup(mockPool.Close)
	return NewRepository(mockPool), mockPool
}

func TestRepository_GetOrCreateCryptocurrency(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	ctx := context.Background()
	now := time.Now()

	// Two resolutions of the same symbol hit the same upsert and return the
	// same identity.
	for i := 0; i < 2; i++ {
		mockPool.ExpectQuery(`INSERT INTO cryptocurrencies \(symbol, name, description\)\s+VALUES \(\$1, \$2, \$3\)\s+ON CONFLICT \(symbol\) DO UPDATE`).
			WithArgs("BTC", "Bitcoin", (*string)(nil)).
			WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "created_at", "updated_at"}).
				AddRow(int64(7), "Bitcoin", (*string)(nil), now, now))
	}

	first, err := repo.GetOrCreateCryptocurrency(ctx, models.Cryptocurrency{Symbol: "BTC", Name: "Bitcoin"})
	require.NoError(t, err)
	second, err := repo.GetOrCreateCryptocurrency(ctx, models.Cryptocurrency{Symbol: "BTC", Name: "Bitcoin"})
	require.NoError(t, err)

	assert.Equal(t, int64(7), first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "BTC", second.Symbol)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_GetOrCreateCryptocurrency_Error(t *testing.T) {
	repo, mockPool := newMockRepo(t)

	mockPool.ExpectQuery(`INSERT INTO cryptocurrencies`).
		WithArgs("BTC", "Bitcoin", (*string)(nil)).
		WillReturnError(errors.New("connection refused"))

	_, err := repo.GetOrCreateCryptocurrency(context.Background(), models.Cryptocurrency{Symbol: "BTC", Name: "Bitcoin"})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "get_or_create_cryptocurrency", pe.Op)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_GetOrCreateExchange(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	now := time.Now()

	mockPool.ExpectQuery(`INSERT INTO exchanges \(name, display_name\)`).
		WithArgs("coingecko", "CoinGecko").
		WillReturnRows(pgxmock.NewRows([]string{"id", "display_name", "created_at", "updated_at"}).
			AddRow(int64(1), "CoinGecko", now, now))

	ex, err := repo.GetOrCreateExchange(context.Background(), models.Exchange{Name: "coingecko", DisplayName: "CoinGecko"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ex.ID)
	assert.Equal(t, "coingecko", ex.Name)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_GetOrCreateTradingPair(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	now := time.Now()

	mockPool.ExpectQuery(`(?s)INSERT INTO trading_pairs.*ON CONFLICT \(exchange_id, crypto_id, base_currency, quote_currency\)`).
		WithArgs(int64(1), int64(7), "BTC", "USD").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), now))

	tp, err := repo.GetOrCreateTradingPair(context.Background(), models.TradingPairKey{
		ExchangeID: 1, CryptoID: 7, BaseCurrency: "BTC", QuoteCurrency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), tp.ID)
	assert.Equal(t, "BTC/USD", tp.Symbol())
	assert.True(t, tp.IsActive)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_BatchInsertPrices(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	now := time.Now()

	rows := []models.PriceHistory{
		{TradingPairID: 1, Open: decimal.NewFromInt(10), High: decimal.NewFromInt(11), Low: decimal.NewFromInt(9), Close: decimal.NewFromInt(10), Volume: decimal.Zero, RecordedAt: now},
		{TradingPairID: 2, Open: decimal.NewFromInt(5), High: decimal.NewFromInt(5), Low: decimal.NewFromInt(5), Close: decimal.NewFromInt(5), Volume: decimal.NewFromInt(100), RecordedAt: now},
	}

	mockPool.ExpectCopyFrom(pgx.Identifier{"price_history"}, priceColumns).WillReturnResult(2)

	n, err := repo.BatchInsertPrices(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_BatchInsertPrices_EmptyIsNoop(t *testing.T) {
	repo, mockPool := newMockRepo(t)

	n, err := repo.BatchInsertPrices(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_BatchInsertPrices_Error(t *testing.T) {
	repo, mockPool := newMockRepo(t)

	mockPool.ExpectCopyFrom(pgx.Identifier{"price_history"}, priceColumns).
		WillReturnError(errors.New("violates foreign key constraint"))

	_, err := repo.BatchInsertPrices(context.Background(), []models.PriceHistory{{TradingPairID: 99, Close: decimal.NewFromInt(1)}})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "batch_insert_prices", pe.Op)
}

func TestRepository_BatchInsertSentimentAndDexPairs(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	now := time.Now()

	mockPool.ExpectCopyFrom(pgx.Identifier{"market_sentiment"}, sentimentColumns).WillReturnResult(1)
	mockPool.ExpectCopyFrom(pgx.Identifier{"dex_pair_snapshots"}, dexPairColumns).WillReturnResult(1)

	n, err := repo.BatchInsertSentiment(context.Background(), []models.MarketSentiment{{
		CryptoID: 7, Source: "coingecko_trending", SentimentScore: decimal.RequireFromString("0.7"),
		SentimentLabel: models.SentimentPositive, MentionsCount: 1, RecordedAt: now,
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.BatchInsertDexPairs(context.Background(), []models.DexPairSnapshot{{
		PairAddress: "0xabc", Blockchain: "ethereum", DexName: "Uniswap V3", RecordedAt: now,
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_BatchUpsertCryptocurrencies_Dedupes(t *testing.T) {
	repo, mockPool := newMockRepo(t)

	mockPool.ExpectExec(`INSERT INTO cryptocurrencies \(symbol, name, description\)\s+SELECT \* FROM unnest`).
		WithArgs([]string{"BTC", "ETH"}, []string{"Bitcoin", "Ethereum"}, []*string{nil, nil}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := repo.BatchUpsertCryptocurrencies(context.Background(), []models.Cryptocurrency{
		{Symbol: "BTC", Name: "Bitcoin"},
		{Symbol: "ETH", Name: "Ethereum"},
		{Symbol: "BTC", Name: "Bitcoin Clone"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_BatchUpsertExchanges(t *testing.T) {
	repo, mockPool := newMockRepo(t)

	trust := 9
	mockPool.ExpectExec(`(?s)INSERT INTO exchanges.*SELECT \* FROM unnest.*ON CONFLICT \(name\) DO UPDATE`).
		WithArgs([]string{"binance", "kraken"}, []string{"Binance", "Kraken"},
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := repo.BatchUpsertExchanges(context.Background(), []models.Exchange{
		{Name: "binance", DisplayName: "Binance", TrustScore: &trust},
		{Name: "kraken", DisplayName: "Kraken"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_GetCryptocurrencyBySymbol(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	now := time.Now()
	cols := []string{"id", "symbol", "name", "description", "created_at", "updated_at"}

	mockPool.ExpectQuery(`SELECT id, symbol, name, description, created_at, updated_at\s+FROM cryptocurrencies`).
		WithArgs("ETH").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(int64(2), "ETH", "Ethereum", (*string)(nil), now, now))
	mockPool.ExpectQuery(`FROM cryptocurrencies`).
		WithArgs("NOPE").
		WillReturnRows(pgxmock.NewRows(cols))

	c, err := repo.GetCryptocurrencyBySymbol(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "Ethereum", c.Name)

	_, err = repo.GetCryptocurrencyBySymbol(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func priceRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"symbol", "display_name", "quote_currency", "open", "high", "low", "close", "volume", "market_cap", "recorded_at",
	})
}

func TestRepository_GetLatestPrice(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mockPool.ExpectQuery(`(?s)FROM price_history ph.*WHERE c.symbol = \$1\s+ORDER BY ph.recorded_at DESC\s+LIMIT 1`).
		WithArgs("BTC").
		WillReturnRows(priceRows().AddRow("BTC", "CoinGecko", "USD",
			"64000", "65000", "63000", "64000", "1000", nil, at))
	mockPool.ExpectQuery(`FROM price_history`).WithArgs("NOPE").WillReturnRows(priceRows())

	p, err := repo.GetLatestPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "CoinGecko", p.Exchange)
	assert.True(t, decimal.NewFromInt(64000).Equal(p.Close))
	assert.Equal(t, at, p.RecordedAt)

	_, err = repo.GetLatestPrice(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_GetPriceHistoryRange(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	to := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	from := to.Add(-24 * time.Hour)

	mockPool.ExpectQuery(`WHERE c.symbol = \$1 AND ph.recorded_at BETWEEN \$2 AND \$3\s+ORDER BY ph.recorded_at ASC`).
		WithArgs("ETH", from, to).
		WillReturnRows(priceRows().
			AddRow("ETH", "CoinGecko", "USD", "3000", "3000", "3000", "3000", "0", nil, from).
			AddRow("ETH", "CoinGecko", "USD", "3100", "3100", "3100", "3100", "0", "1500000", to))

	points, err := repo.GetPriceHistoryRange(context.Background(), "ETH", from, to)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, from, points[0].RecordedAt)
	assert.True(t, decimal.NewFromInt(3100).Equal(points[1].Close))
	assert.False(t, points[0].MarketCap.Valid)
	assert.True(t, points[1].MarketCap.Valid)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRepository_GetLatestSentiment(t *testing.T) {
	repo, mockPool := newMockRepo(t)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"symbol", "source", "sentiment_score", "sentiment_label", "mentions_count", "recorded_at"}

	mockPool.ExpectQuery(`FROM market_sentiment ms`).
		WithArgs("PEPE").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("PEPE", "coingecko_trending", "0.7", "positive", 1, at))
	mockPool.ExpectQuery(`FROM market_sentiment ms`).
		WithArgs("NOPE").
		WillReturnRows(pgxmock.NewRows(cols))

	v, err := repo.GetLatestSentiment(context.Background(), "PEPE")
	require.NoError(t, err)
	assert.Equal(t, "positive", v.SentimentLabel)
	assert.Equal(t, 1, v.MentionsCount)
	assert.True(t, decimal.RequireFromString("0.7").Equal(v.SentimentScore))

	_, err = repo.GetLatestSentiment(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestNumericConversion(t *testing.T) {
	n := numeric(decimal.RequireFromString("123.4500"))
	assert.True(t, n.Valid)
	back := decimal.NewFromBigInt(n.Int, n.Exp)
	assert.True(t, decimal.RequireFromString("123.45").Equal(back))

	assert.False(t, nullNumeric(decimal.NullDecimal{}).Valid)
	assert.False(t, int4(nil).Valid)
	v := 2012
	assert.Equal(t, int32(2012), int4(&v).Int32)
}
