package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/irfndi/market-collector/internal/models"
	"github.com/irfndi/market-collector/internal/providers"
)

// mockSession counts Close calls and can refuse Acquire.
type mockSession struct {
	name       string
	acquireErr error

	mu     sync.Mutex
	closed int
}

func (s *mockSession) Name() string { return s.name }

func (s *mockSession) Acquire() (func(), error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return func() {}, nil
}

func (s *mockSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *mockSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func rawList(args mock.Arguments) []json.RawMessage {
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]json.RawMessage)
}

// MockCoinGecko implements CoinGeckoAPI for testing.
type MockCoinGecko struct {
	mockSession
	mock.Mock
}

func newMockCoinGecko() *MockCoinGecko {
	return &MockCoinGecko{mockSession: mockSession{name: providers.CoinGeckoName}}
}

func (m *MockCoinGecko) CoinsList(ctx context.Context, includePlatform bool) ([]json.RawMessage, error) {
	args := m.Called(ctx, includePlatform)
	return rawList(args), args.Error(1)
}

func (m *MockCoinGecko) CoinsMarkets(ctx context.Context, q providers.MarketsQuery) ([]json.RawMessage, error) {
	args := m.Called(ctx, q)
	return rawList(args), args.Error(1)
}

func (m *MockCoinGecko) CoinsMarketsTop(ctx context.Context, vsCurrency string, n int) ([]json.RawMessage, error) {
	args := m.Called(ctx, vsCurrency, n)
	return rawList(args), args.Error(1)
}

func (m *MockCoinGecko) Trending(ctx context.Context) ([]json.RawMessage, error) {
	args := m.Called(ctx)
	return rawList(args), args.Error(1)
}

func (m *MockCoinGecko) Exchanges(ctx context.Context, perPage, page int) ([]json.RawMessage, error) {
	args := m.Called(ctx, perPage, page)
	return rawList(args), args.Error(1)
}

// MockCoinMarketCap implements CoinMarketCapAPI for testing.
type MockCoinMarketCap struct {
	mockSession
	mock.Mock
}

func newMockCoinMarketCap() *MockCoinMarketCap {
	return &MockCoinMarketCap{mockSession: mockSession{name: providers.CMCName}}
}

func (m *MockCoinMarketCap) QuotesLatest(ctx context.Context, symbols []string, convert string) ([]json.RawMessage, error) {
	args := m.Called(ctx, symbols, convert)
	return rawList(args), args.Error(1)
}

func (m *MockCoinMarketCap) CryptocurrencyMap(ctx context.Context, listingStatus string, start, limit int) ([]json.RawMessage, error) {
	args := m.Called(ctx, listingStatus, start, limit)
	return rawList(args), args.Error(1)
}

// MockDex implements DexAPI for testing.
type MockDex struct {
	mockSession
	mock.Mock
}

func newMockDex() *MockDex {
	return &MockDex{mockSession: mockSession{name: providers.CMCDexName}}
}

func (m *MockDex) PairsLatestAcross(ctx context.Context, networks []string, limit int) ([]providers.NetworkRecord, error) {
	args := m.Called(ctx, networks, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]providers.NetworkRecord), args.Error(1)
}

var errStoreDown = errors.New("store unavailable")

// fakeStore is an in-memory Store that counts identity lookups.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64

	cryptos   map[string]int64
	exchanges map[string]int64
	pairs     map[models.TradingPairKey]int64
	lookups   int

	prices            []models.PriceHistory
	sentiment         []models.MarketSentiment
	dexPairs          []models.DexPairSnapshot
	upsertedCryptos   []models.Cryptocurrency
	upsertedExchanges []models.Exchange

	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cryptos:   map[string]int64{},
		exchanges: map[string]int64{},
		pairs:     map[models.TradingPairKey]int64{},
	}
}

func (s *fakeStore) id(m map[string]int64, key string) int64 {
	s.lookups++
	if id, ok := m[key]; ok {
		return id
	}
	s.nextID++
	m[key] = s.nextID
	return s.nextID
}

func (s *fakeStore) GetOrCreateCryptocurrency(_ context.Context, c models.Cryptocurrency) (models.Cryptocurrency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id(s.cryptos, c.Symbol)
	return c, nil
}

func (s *fakeStore) GetOrCreateExchange(_ context.Context, e models.Exchange) (models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.id(s.exchanges, e.Name)
	return e, nil
}

func (s *fakeStore) GetOrCreateTradingPair(_ context.Context, key models.TradingPairKey) (models.TradingPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	id, ok := s.pairs[key]
	if !ok {
		s.nextID++
		id = s.nextID
		s.pairs[key] = id
	}
	return models.TradingPair{
		ID:            id,
		ExchangeID:    key.ExchangeID,
		CryptoID:      key.CryptoID,
		BaseCurrency:  key.BaseCurrency,
		QuoteCurrency: key.QuoteCurrency,
		IsActive:      true,
	}, nil
}

func (s *fakeStore) BatchInsertPrices(_ context.Context, rows []models.PriceHistory) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.prices = append(s.prices, rows...)
	return int64(len(rows)), nil
}

func (s *fakeStore) BatchInsertSentiment(_ context.Context, rows []models.MarketSentiment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.sentiment = append(s.sentiment, rows...)
	return int64(len(rows)), nil
}

func (s *fakeStore) BatchInsertDexPairs(_ context.Context, rows []models.DexPairSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.dexPairs = append(s.dexPairs, rows...)
	return int64(len(rows)), nil
}

func (s *fakeStore) BatchUpsertCryptocurrencies(_ context.Context, cryptos []models.Cryptocurrency) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.upsertedCryptos = append(s.upsertedCryptos, cryptos...)
	return int64(len(cryptos)), nil
}

func (s *fakeStore) BatchUpsertExchanges(_ context.Context, exchanges []models.Exchange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.upsertedExchanges = append(s.upsertedExchanges, exchanges...)
	return int64(len(exchanges)), nil
}

func (s *fakeStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

var _ Store = (*fakeStore)(nil)
