// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestDataStoreCreation(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if store == nil {
		t.Fatal("Store is nil")
	}

	// A fresh store with no metadata.json on disk starts with no symbols
	// until something is saved through SaveOHLCV.
	if symbols := store.GetAvailableSymbols(); len(symbols) != 0 {
		t.Errorf("expected no symbols before any SaveOHLCV call, got %v", symbols)
	}
}

func TestOHLCVStorageAndRetrieval(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	symbol := "TEST/USDT"
	timeframe := types.Timeframe1h

	now := time.Now()
	testBars := []*types.OHLCV{
		{
			Timestamp: now.Add(-3 * time.Hour),
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(110),
			Low:       decimal.NewFromInt(95),
			Close:     decimal.NewFromInt(105),
			Volume:    decimal.NewFromInt(1000),
		},
		{
			Timestamp: now.Add(-2 * time.Hour),
			Open:      decimal.NewFromInt(105),
			High:      decimal.NewFromInt(115),
			Low:       decimal.NewFromInt(100),
			Close:     decimal.NewFromInt(110),
			Volume:    decimal.NewFromInt(1500),
		},
		{
			Timestamp: now.Add(-1 * time.Hour),
			Open:      decimal.NewFromInt(110),
			High:      decimal.NewFromInt(120),
			Low:       decimal.NewFromInt(108),
			Close:     decimal.NewFromInt(118),
			Volume:    decimal.NewFromInt(2000),
		},
	}

	if err := store.SaveOHLCV(symbol, timeframe, testBars); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	symbols := store.GetAvailableSymbols()
	found := false
	for _, s := range symbols {
		if s == symbol {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Symbol %s not found after saving", symbol)
	}

	retrieved, err := store.LoadOHLCV(context.Background(), symbol, timeframe, testBars[0].Timestamp.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Failed to retrieve OHLCV: %v", err)
	}

	if len(retrieved) != len(testBars) {
		t.Errorf("Retrieved %d bars, expected %d", len(retrieved), len(testBars))
	}

	for i, bar := range retrieved {
		if !bar.Close.Equal(testBars[i].Close) {
			t.Errorf("Bar %d close mismatch: expected %s, got %s", i, testBars[i].Close, bar.Close)
		}
	}
}

func TestTimeRangeFiltering(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	symbol := "RANGE/USDT"
	timeframe := types.Timeframe1h

	baseTime := time.Now().Add(-10 * time.Hour)
	bars := make([]*types.OHLCV, 10)
	for i := 0; i < 10; i++ {
		bars[i] = &types.OHLCV{
			Timestamp: baseTime.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromInt(int64(100 + i)),
			High:      decimal.NewFromInt(int64(105 + i)),
			Low:       decimal.NewFromInt(int64(95 + i)),
			Close:     decimal.NewFromInt(int64(102 + i)),
			Volume:    decimal.NewFromInt(int64(1000 * (i + 1))),
		}
	}

	if err := store.SaveOHLCV(symbol, timeframe, bars); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	startTime := baseTime.Add(3 * time.Hour)
	endTime := baseTime.Add(7 * time.Hour)

	retrieved, err := store.LoadOHLCV(context.Background(), symbol, timeframe, startTime, endTime)
	if err != nil {
		t.Fatalf("Failed to retrieve OHLCV: %v", err)
	}

	if len(retrieved) != 5 {
		t.Errorf("Expected 5 bars in range [hour 3, hour 7], got %d", len(retrieved))
	}

	if !retrieved[0].Timestamp.Equal(startTime) {
		t.Errorf("First bar timestamp mismatch: expected %v, got %v", startTime, retrieved[0].Timestamp)
	}
}

func TestMultipleTimeframes(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	symbol := "MULTI/USDT"
	now := time.Now()

	bars1h := []*types.OHLCV{
		{Timestamp: now, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(110),
			Low: decimal.NewFromInt(90), Close: decimal.NewFromInt(105), Volume: decimal.NewFromInt(1000)},
	}
	if err := store.SaveOHLCV(symbol, types.Timeframe1h, bars1h); err != nil {
		t.Fatalf("Failed to save 1h data: %v", err)
	}

	bars1d := []*types.OHLCV{
		{Timestamp: now, Open: decimal.NewFromInt(90), High: decimal.NewFromInt(115),
			Low: decimal.NewFromInt(85), Close: decimal.NewFromInt(110), Volume: decimal.NewFromInt(50000)},
	}
	if err := store.SaveOHLCV(symbol, types.Timeframe1d, bars1d); err != nil {
		t.Fatalf("Failed to save 1d data: %v", err)
	}

	ret1h, _ := store.LoadOHLCV(context.Background(), symbol, types.Timeframe1h, now.Add(-time.Hour), now.Add(time.Hour))
	ret1d, _ := store.LoadOHLCV(context.Background(), symbol, types.Timeframe1d, now.Add(-time.Hour), now.Add(time.Hour))

	if len(ret1h) == 0 {
		t.Error("1h data not retrieved")
	}

	if len(ret1d) == 0 {
		t.Error("1d data not retrieved")
	}

	if len(ret1h) > 0 && len(ret1d) > 0 && ret1h[0].Volume.Equal(ret1d[0].Volume) {
		t.Error("1h and 1d data should have different volumes")
	}
}

func TestEmptyRangeFallsBackToSampleData(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	// No file on disk for this symbol/timeframe combination, so LoadOHLCV
	// transparently falls back to generated sample data instead of erroring.
	retrieved, err := store.LoadOHLCV(
		context.Background(),
		"SOL/USDT",
		types.Timeframe1h,
		time.Now().Add(-24*time.Hour),
		time.Now(),
	)

	if err != nil {
		t.Fatalf("expected sample-data fallback, got error: %v", err)
	}

	if len(retrieved) == 0 {
		t.Error("expected generated sample data for a symbol with no backing file")
	}
}

func TestDataPersistence(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	symbol := "PERSIST/USDT"
	timeframe := types.Timeframe1h
	now := time.Now()

	testBar := &types.OHLCV{
		Timestamp: now,
		Open:      decimal.NewFromInt(123),
		High:      decimal.NewFromInt(130),
		Low:       decimal.NewFromInt(120),
		Close:     decimal.NewFromInt(125),
		Volume:    decimal.NewFromInt(5000),
	}

	store1, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store 1: %v", err)
	}

	if err := store1.SaveOHLCV(symbol, timeframe, []*types.OHLCV{testBar}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// A second store pointed at the same directory picks up the persisted
	// metadata and the on-disk JSON file SaveOHLCV wrote.
	store2, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store 2: %v", err)
	}

	retrieved, err := store2.LoadOHLCV(context.Background(), symbol, timeframe, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Failed to retrieve: %v", err)
	}

	if len(retrieved) == 0 {
		t.Fatal("No data persisted")
	}

	if !retrieved[0].Close.Equal(testBar.Close) {
		t.Errorf("Persisted data mismatch: expected close %s, got %s", testBar.Close, retrieved[0].Close)
	}

	symbols := store2.GetAvailableSymbols()
	found := false
	for _, s := range symbols {
		if s == symbol {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in store2's available symbols after reload, got %v", symbol, symbols)
	}
}

func TestConcurrentAccess(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	symbol := "CONCURRENT/USDT"
	timeframe := types.Timeframe1h
	now := time.Now()

	initialBar := &types.OHLCV{
		Timestamp: now,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(90),
		Close:     decimal.NewFromInt(105),
		Volume:    decimal.NewFromInt(1000),
	}
	store.SaveOHLCV(symbol, timeframe, []*types.OHLCV{initialBar})

	done := make(chan bool)

	for i := 0; i < 5; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				store.LoadOHLCV(context.Background(), symbol, timeframe, now.Add(-time.Hour), now.Add(time.Hour))
			}
			done <- true
		}()
	}

	for i := 0; i < 3; i++ {
		go func(id int) {
			for j := 0; j < 50; j++ {
				bar := &types.OHLCV{
					Timestamp: now.Add(time.Duration(id*50+j) * time.Minute),
					Open:      decimal.NewFromInt(int64(100 + j)),
					High:      decimal.NewFromInt(int64(110 + j)),
					Low:       decimal.NewFromInt(int64(90 + j)),
					Close:     decimal.NewFromInt(int64(105 + j)),
					Volume:    decimal.NewFromInt(int64(1000 + j)),
				}
				store.SaveOHLCV(symbol, timeframe, []*types.OHLCV{bar})
			}
			done <- true
		}(i)
	}

	for i := 0; i < 8; i++ {
		<-done
	}
}

func TestSampleDataGeneration(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	now := time.Now()
	expectedSymbols := []string{"SOL/USDT", "BTC/USDT", "ETH/USDT"}
	for _, symbol := range expectedSymbols {
		bars, err := store.LoadOHLCV(context.Background(), symbol, types.Timeframe1h, now.AddDate(0, -1, 0), now)
		if err != nil {
			t.Errorf("Failed to get data for %s: %v", symbol, err)
			continue
		}

		if len(bars) == 0 {
			t.Errorf("No sample data for %s", symbol)
		} else {
			t.Logf("%s: %d bars of sample data", symbol, len(bars))
		}
	}
}

func TestCacheManagement(t *testing.T) {
	logger := zap.NewNop()
	tempDir := t.TempDir()

	store, err := data.NewStore(logger, tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	now := time.Now()
	if _, err := store.LoadOHLCV(context.Background(), "SOL/USDT", types.Timeframe1h, now.AddDate(0, -1, 0), now); err != nil {
		t.Fatalf("LoadOHLCV failed: %v", err)
	}

	if size := store.GetCacheSize(); size == 0 {
		t.Error("expected a non-empty cache after LoadOHLCV")
	}

	store.ClearCache()

	if size := store.GetCacheSize(); size != 0 {
		t.Errorf("expected empty cache after ClearCache, got %d entries", size)
	}
}
