package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/irfndi/market-collector/internal/models"
)

var (
	priceColumns = []string{
		"trading_pair_id", "open", "high", "low", "close", "volume", "market_cap", "recorded_at",
	}
	sentimentColumns = []string{
		"crypto_id", "source", "sentiment_score", "sentiment_label", "mentions_count", "recorded_at",
	}
	dexPairColumns = []string{
		"pair_address", "blockchain", "dex_name", "base_symbol", "quote_symbol",
		"price_usd", "liquidity_usd", "volume_24h_usd", "price_change_24h", "recorded_at",
	}
)

// Repository implements the collector's persistence contract on PostgreSQL.
// Dimension writes are single upsert statements, so concurrent callers
// resolving the same natural key converge on one row.
type Repository struct {
	pool DatabasePool
}

func NewRepository(pool DatabasePool) *Repository {
	return &Repository{pool: pool}
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetOrCreateCryptocurrency returns the row for c.Symbol, inserting it when
// missing. A non-empty name or description refreshes the stored one.
func (r *Repository) GetOrCreateCryptocurrency(ctx context.Context, c models.Cryptocurrency) (models.Cryptocurrency, error) {
	query := `
		INSERT INTO cryptocurrencies (symbol, name, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), cryptocurrencies.name),
			description = COALESCE(EXCLUDED.description, cryptocurrencies.description),
			updated_at = NOW()
		RETURNING id, name, description, created_at, updated_at`

	out := c
	err := r.pool.QueryRow(ctx, query, c.Symbol, c.Name, c.Description).
		Scan(&out.ID, &out.Name, &out.Description, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return models.Cryptocurrency{}, wrap("get_or_create_cryptocurrency", err)
	}
	return out, nil
}

// GetOrCreateExchange returns the row for e.Name, inserting it when missing.
func (r *Repository) GetOrCreateExchange(ctx context.Context, e models.Exchange) (models.Exchange, error) {
	query := `
		INSERT INTO exchanges (name, display_name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), exchanges.display_name)
		RETURNING id, display_name, created_at, updated_at`

	out := e
	err := r.pool.QueryRow(ctx, query, e.Name, e.DisplayName).
		Scan(&out.ID, &out.DisplayName, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return models.Exchange{}, wrap("get_or_create_exchange", err)
	}
	return out, nil
}

// GetOrCreateTradingPair returns the pair for key, inserting it when
// missing and reactivating it when present.
func (r *Repository) GetOrCreateTradingPair(ctx context.Context, key models.TradingPairKey) (models.TradingPair, error) {
	query := `
		INSERT INTO trading_pairs (exchange_id, crypto_id, base_currency, quote_currency, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (exchange_id, crypto_id, base_currency, quote_currency) DO UPDATE SET
			is_active = TRUE
		RETURNING id, created_at`

	tp := models.TradingPair{
		ExchangeID:    key.ExchangeID,
		CryptoID:      key.CryptoID,
		BaseCurrency:  key.BaseCurrency,
		QuoteCurrency: key.QuoteCurrency,
		IsActive:      true,
	}
	err := r.pool.QueryRow(ctx, query, key.ExchangeID, key.CryptoID, key.BaseCurrency, key.QuoteCurrency).
		Scan(&tp.ID, &tp.CreatedAt)
	if err != nil {
		return models.TradingPair{}, wrap("get_or_create_trading_pair", err)
	}
	return tp, nil
}

// BatchInsertPrices writes all rows with one COPY.
func (r *Repository) BatchInsertPrices(ctx context.Context, rows []models.PriceHistory) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"price_history"}, priceColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			p := rows[i]
			return []any{
				p.TradingPairID,
				numeric(p.Open),
				numeric(p.High),
				numeric(p.Low),
				numeric(p.Close),
				numeric(p.Volume),
				nullNumeric(p.MarketCap),
				p.RecordedAt,
			}, nil
		}))
	if err != nil {
		return 0, wrap("batch_insert_prices", err)
	}
	return n, nil
}

// BatchInsertSentiment writes all rows with one COPY.
func (r *Repository) BatchInsertSentiment(ctx context.Context, rows []models.MarketSentiment) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"market_sentiment"}, sentimentColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			s := rows[i]
			return []any{
				s.CryptoID,
				s.Source,
				numeric(s.SentimentScore),
				s.SentimentLabel,
				int32(s.MentionsCount),
				s.RecordedAt,
			}, nil
		}))
	if err != nil {
		return 0, wrap("batch_insert_sentiment", err)
	}
	return n, nil
}

// BatchInsertDexPairs writes all snapshots with one COPY.
func (r *Repository) BatchInsertDexPairs(ctx context.Context, rows []models.DexPairSnapshot) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"dex_pair_snapshots"}, dexPairColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			d := rows[i]
			return []any{
				d.PairAddress,
				d.Blockchain,
				d.DexName,
				d.BaseSymbol,
				d.QuoteSymbol,
				numeric(d.PriceUSD),
				numeric(d.LiquidityUSD),
				numeric(d.Volume24hUSD),
				nullNumeric(d.PriceChange24h),
				d.RecordedAt,
			}, nil
		}))
	if err != nil {
		return 0, wrap("batch_insert_dex_pairs", err)
	}
	return n, nil
}

// BatchUpsertCryptocurrencies inserts or refreshes every cryptocurrency in a
// single statement. Duplicate symbols are collapsed first.
func (r *Repository) BatchUpsertCryptocurrencies(ctx context.Context, cryptos []models.Cryptocurrency) (int64, error) {
	cryptos = models.DedupeCryptocurrencies(cryptos)
	if len(cryptos) == 0 {
		return 0, nil
	}

	symbols := make([]string, len(cryptos))
	names := make([]string, len(cryptos))
	descriptions := make([]*string, len(cryptos))
	for i, c := range cryptos {
		symbols[i] = c.Symbol
		names[i] = c.Name
		descriptions[i] = c.Description
	}

	query := `
		INSERT INTO cryptocurrencies (symbol, name, description)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
		ON CONFLICT (symbol) DO UPDATE SET
			name = EXCLUDED.name,
			description = COALESCE(EXCLUDED.description, cryptocurrencies.description),
			updated_at = NOW()`

	tag, err := r.pool.Exec(ctx, query, symbols, names, descriptions)
	if err != nil {
		return 0, wrap("batch_upsert_cryptocurrencies", err)
	}
	return tag.RowsAffected(), nil
}

// BatchUpsertExchanges inserts or refreshes every exchange in a single
// statement. Duplicate names are collapsed first.
func (r *Repository) BatchUpsertExchanges(ctx context.Context, exchanges []models.Exchange) (int64, error) {
	exchanges = models.DedupeExchanges(exchanges)
	if len(exchanges) == 0 {
		return 0, nil
	}

	names := make([]string, len(exchanges))
	displayNames := make([]string, len(exchanges))
	countries := make([]*string, len(exchanges))
	websites := make([]*string, len(exchanges))
	years := make([]pgtype.Int4, len(exchanges))
	trust := make([]pgtype.Int4, len(exchanges))
	volumes := make([]pgtype.Numeric, len(exchanges))
	for i, e := range exchanges {
		names[i] = e.Name
		displayNames[i] = e.DisplayName
		countries[i] = e.Country
		websites[i] = e.Website
		years[i] = int4(e.EstablishedYear)
		trust[i] = int4(e.TrustScore)
		volumes[i] = nullNumeric(e.TradingVolume24hBTC)
	}

	query := `
		INSERT INTO exchanges (name, display_name, country, website, established_year, trust_score, trading_volume_24h_btc)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::int[], $6::int[], $7::numeric[])
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			country = EXCLUDED.country,
			website = EXCLUDED.website,
			established_year = EXCLUDED.established_year,
			trust_score = EXCLUDED.trust_score,
			trading_volume_24h_btc = EXCLUDED.trading_volume_24h_btc,
			updated_at = NOW()`

	tag, err := r.pool.Exec(ctx, query, names, displayNames, countries, websites, years, trust, volumes)
	if err != nil {
		return 0, wrap("batch_upsert_exchanges", err)
	}
	return tag.RowsAffected(), nil
}

// GetCryptocurrencyBySymbol returns ErrNotFound when the symbol is unknown.
func (r *Repository) GetCryptocurrencyBySymbol(ctx context.Context, symbol string) (*models.Cryptocurrency, error) {
	query := `
		SELECT id, symbol, name, description, created_at, updated_at
		FROM cryptocurrencies
		WHERE symbol = $1`

	var c models.Cryptocurrency
	err := r.pool.QueryRow(ctx, query, symbol).
		Scan(&c.ID, &c.Symbol, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get_cryptocurrency_by_symbol", err)
	}
	return &c, nil
}

const pricePointSelect = `
		SELECT c.symbol, e.display_name, tp.quote_currency,
			ph.open, ph.high, ph.low, ph.close, ph.volume, ph.market_cap, ph.recorded_at
		FROM price_history ph
		JOIN trading_pairs tp ON tp.id = ph.trading_pair_id
		JOIN cryptocurrencies c ON c.id = tp.crypto_id
		JOIN exchanges e ON e.id = tp.exchange_id`

// GetLatestPrice returns the newest price row for a symbol across all
// exchanges and quote currencies.
func (r *Repository) GetLatestPrice(ctx context.Context, symbol string) (*models.PricePoint, error) {
	query := pricePointSelect + `
		WHERE c.symbol = $1
		ORDER BY ph.recorded_at DESC
		LIMIT 1`

	rows, err := r.pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, wrap("get_latest_price", err)
	}
	points, err := collectPricePoints(rows)
	if err != nil {
		return nil, wrap("get_latest_price", err)
	}
	if len(points) == 0 {
		return nil, ErrNotFound
	}
	return &points[0], nil
}

// GetPriceHistoryRange returns price rows for a symbol in [from, to],
// oldest first.
func (r *Repository) GetPriceHistoryRange(ctx context.Context, symbol string, from, to time.Time) ([]models.PricePoint, error) {
	query := pricePointSelect + `
		WHERE c.symbol = $1 AND ph.recorded_at BETWEEN $2 AND $3
		ORDER BY ph.recorded_at ASC`

	rows, err := r.pool.Query(ctx, query, symbol, from, to)
	if err != nil {
		return nil, wrap("get_price_history_range", err)
	}
	points, err := collectPricePoints(rows)
	if err != nil {
		return nil, wrap("get_price_history_range", err)
	}
	return points, nil
}

// GetLatestSentiment returns the newest sentiment row for a symbol.
func (r *Repository) GetLatestSentiment(ctx context.Context, symbol string) (*models.SentimentView, error) {
	query := `
		SELECT c.symbol, ms.source, ms.sentiment_score, ms.sentiment_label, ms.mentions_count, ms.recorded_at
		FROM market_sentiment ms
		JOIN cryptocurrencies c ON c.id = ms.crypto_id
		WHERE c.symbol = $1
		ORDER BY ms.recorded_at DESC
		LIMIT 1`

	var v models.SentimentView
	err := r.pool.QueryRow(ctx, query, symbol).
		Scan(&v.Symbol, &v.Source, &v.SentimentScore, &v.SentimentLabel, &v.MentionsCount, &v.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get_latest_sentiment", err)
	}
	return &v, nil
}

func collectPricePoints(rows pgx.Rows) ([]models.PricePoint, error) {
	defer rows.Close()

	var points []models.PricePoint
	for rows.Next() {
		var p models.PricePoint
		if err := rows.Scan(
			&p.Symbol, &p.Exchange, &p.QuoteCurrency,
			&p.Open, &p.High, &p.Low, &p.Close, &p.Volume, &p.MarketCap, &p.RecordedAt,
		); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func nullNumeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{}
	}
	return numeric(d.Decimal)
}

func int4(v *int) pgtype.Int4 {
	if v == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*v), Valid: true}
}
