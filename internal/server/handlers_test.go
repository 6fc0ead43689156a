package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"coinbank/internal/ledger"
	"coinbank/internal/models"
	"coinbank/internal/quotes"
)

// MockQuoteSource is a mock implementation of the quotes.Source interface.
type MockQuoteSource struct {
	mock.Mock
}

func (m *MockQuoteSource) GetQuote(ctx context.Context, symbol string) (quotes.Quote, error) {
	args := m.Called(symbol)
	return args.Get(0).(quotes.Quote), args.Error(1)
}

// setupTest wires a server over an in-memory ledger and a mock price feed.
func setupTest(t *testing.T) (*gorm.DB, *Server, *MockQuoteSource) {
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	err = db.AutoMigrate(
		&models.Account{},
		&models.PositionLot{},
		&models.SaleRecord{},
		&models.AppliedWrite{},
		&models.ReconciliationEntry{},
	)
	require.NoError(t, err)

	store := ledger.NewGormStore(db, zap.NewNop())
	engine := ledger.NewTradeEngine(zap.NewNop(), store, ledger.NewPositionTracker(store))
	source := new(MockQuoteSource)

	handler := NewHandler(zap.NewNop(), engine, store, source, decimal.NewFromFloat(10000))
	srv := New(0, handler, zap.NewNop())
	return db, srv, source
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func btcQuote(price string) quotes.Quote {
	last, _ := decimal.NewFromString(price)
	return quotes.Quote{Symbol: "BTCUSDT", LastPrice: last, HighPrice: last, LowPrice: last}
}

func TestHealth(t *testing.T) {
	_, srv, _ := setupTest(t)

	rec := doRequest(srv, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignup(t *testing.T) {
	t.Run("CreatesAccountWithStartingBalance", func(t *testing.T) {
		db, srv, _ := setupTest(t)

		rec := doRequest(srv, http.MethodPost, "/api/signup", `{"email":"alice@example.com"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var account models.Account
		require.NoError(t, db.First(&account, "email = ?", "alice@example.com").Error)
		assert.Equal(t, "10000", account.CashBalance.String())
	})

	t.Run("MissingEmail", func(t *testing.T) {
		_, srv, _ := setupTest(t)

		rec := doRequest(srv, http.MethodPost, "/api/signup", `{}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQuoteEndpoint(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		_, srv, source := setupTest(t)
		source.On("GetQuote", "BTCUSDT").Return(btcQuote("52000"), nil)

		rec := doRequest(srv, http.MethodGet, "/api/quote/BTCUSDT", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		var quote quotes.Quote
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
		assert.Equal(t, "52000", quote.LastPrice.String())
		source.AssertExpectations(t)
	})

	t.Run("FeedDown", func(t *testing.T) {
		_, srv, source := setupTest(t)
		source.On("GetQuote", "BTCUSDT").Return(quotes.Quote{}, quotes.ErrQuoteUnavailable)

		rec := doRequest(srv, http.MethodGet, "/api/quote/BTCUSDT", "")

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestBuyEndpoint(t *testing.T) {
	seedAccount := func(db *gorm.DB, balance string) {
		bal, _ := decimal.NewFromString(balance)
		db.Create(&models.Account{Email: "alice@example.com", CashBalance: bal})
	}

	t.Run("Success", func(t *testing.T) {
		db, srv, source := setupTest(t)
		seedAccount(db, "100000")
		source.On("GetQuote", "BTCUSDT").Return(btcQuote("50000"), nil)

		rec := doRequest(srv, http.MethodPost, "/api/trade/buy",
			`{"owner":"alice@example.com","symbol":"BTCUSDT","quantity":"1.0"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		var result ledger.TradeResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, "50000", result.NewBalance.String())
		assert.True(t, result.Lot.IsOpen)
		source.AssertExpectations(t)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		db, srv, source := setupTest(t)
		seedAccount(db, "100")
		source.On("GetQuote", "BTCUSDT").Return(btcQuote("50000"), nil)

		rec := doRequest(srv, http.MethodPost, "/api/trade/buy",
			`{"owner":"alice@example.com","symbol":"BTCUSDT","quantity":"1.0"}`)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "insufficient funds")
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		_, srv, source := setupTest(t)
		source.On("GetQuote", "BTCUSDT").Return(btcQuote("50000"), nil)

		rec := doRequest(srv, http.MethodPost, "/api/trade/buy",
			`{"owner":"nobody@example.com","symbol":"BTCUSDT","quantity":"1.0"}`)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("MissingFields", func(t *testing.T) {
		_, srv, _ := setupTest(t)

		rec := doRequest(srv, http.MethodPost, "/api/trade/buy", `{"quantity":"1.0"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("QuoteDownBlocksTrade", func(t *testing.T) {
		db, srv, source := setupTest(t)
		seedAccount(db, "100000")
		source.On("GetQuote", "BTCUSDT").Return(quotes.Quote{}, quotes.ErrQuoteUnavailable)

		rec := doRequest(srv, http.MethodPost, "/api/trade/buy",
			`{"owner":"alice@example.com","symbol":"BTCUSDT","quantity":"1.0"}`)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		// No ledger write happened.
		var count int64
		db.Model(&models.PositionLot{}).Count(&count)
		assert.Equal(t, int64(0), count)
	})
}

func TestSellEndpoint(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		db, srv, source := setupTest(t)
		db.Create(&models.Account{Email: "alice@example.com", CashBalance: decimal.NewFromInt(50000)})
		db.Create(&models.PositionLot{
			Owner: "alice@example.com", Symbol: "BTCUSDT",
			Quantity: decimal.NewFromInt(1), CostBasis: decimal.NewFromInt(50000), IsOpen: true,
		})
		source.On("GetQuote", "BTCUSDT").Return(btcQuote("52000"), nil)

		rec := doRequest(srv, http.MethodPost, "/api/trade/sell",
			`{"owner":"alice@example.com","symbol":"BTCUSDT","quantity":"1.0"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		var result ledger.TradeResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, "102000", result.NewBalance.String())
		assert.False(t, result.Lot.IsOpen)
		require.NotNil(t, result.Sale)
		assert.Equal(t, "50000", result.Sale.AcquisitionPrice.String())
	})

	t.Run("NoOpenPosition", func(t *testing.T) {
		db, srv, source := setupTest(t)
		db.Create(&models.Account{Email: "alice@example.com", CashBalance: decimal.NewFromInt(50000)})
		source.On("GetQuote", "ETHUSDT").Return(btcQuote("3000"), nil)

		rec := doRequest(srv, http.MethodPost, "/api/trade/sell",
			`{"owner":"alice@example.com","symbol":"ETHUSDT","quantity":"1.0"}`)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPortfolioEndpoint(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		db, srv, _ := setupTest(t)
		db.Create(&models.Account{Email: "alice@example.com", CashBalance: decimal.NewFromInt(7500)})
		db.Create(&models.PositionLot{
			Owner: "alice@example.com", Symbol: "BTCUSDT",
			Quantity: decimal.NewFromInt(2), CostBasis: decimal.NewFromInt(48000), IsOpen: true,
		})
		db.Create(&models.PositionLot{
			Owner: "alice@example.com", Symbol: "ETHUSDT",
			Quantity: decimal.Zero, CostBasis: decimal.NewFromInt(3000), IsOpen: false,
		})

		rec := doRequest(srv, http.MethodGet, "/api/portfolio/alice@example.com", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp portfolioResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "7500", resp.CashBalance.String())
		require.Len(t, resp.OpenLots, 1)
		assert.Equal(t, "BTCUSDT", resp.OpenLots[0].Symbol)
	})

	t.Run("UnknownOwner", func(t *testing.T) {
		_, srv, _ := setupTest(t)

		rec := doRequest(srv, http.MethodGet, "/api/portfolio/nobody@example.com", "")

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSalesEndpoint(t *testing.T) {
	db, srv, _ := setupTest(t)
	db.Create(&models.SaleRecord{
		Owner: "alice@example.com", Symbol: "BTCUSDT",
		QuantitySold:     decimal.NewFromInt(1),
		AcquisitionPrice: decimal.NewFromInt(50000),
		DisposalPrice:    decimal.NewFromInt(52000),
	})

	rec := doRequest(srv, http.MethodGet, "/api/sales/alice@example.com", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var sales []models.SaleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sales))
	require.Len(t, sales, 1)
	assert.Equal(t, "52000", sales[0].DisposalPrice.String())
}
