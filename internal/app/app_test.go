package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-executor/internal/alerting"
	"trade-executor/internal/config"
	"trade-executor/internal/storage"
	"trade-executor/internal/storage/memory"
	"trade-executor/internal/vault"
)

const testKEK = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestApp(t *testing.T, store *memory.Store) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Vault.CurrentVersion = 1
	cfg.Vault.KEKs = map[string]string{"1": testKEK}
	cfg.Export.MaxRows = 1000
	cfg.Server.JWTSecret = "secret"

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	a.openRepo = func(context.Context) (storage.Repository, error) { return store, nil }
	return a, out
}

func seedTrades(t *testing.T, store *memory.Store) {
	t.Helper()
	hash := "0x1111111111111111111111111111111111111111111111111111111111111111"
	trades := []storage.Trade{
		{ID: "t1", UserID: "u1", StrategyID: "s1", Symbol: "ETH", Side: storage.SideSell, SellAmount: big.NewInt(1_000_000), Status: storage.StatusConfirmed, TxHash: &hash, Receipt: &storage.ReceiptData{GasUsed: 21000, Status: 1}},
		{ID: "t2", UserID: "u1", StrategyID: "s1", Symbol: "ETH", Side: storage.SideBuy, SellAmount: big.NewInt(500_000), Status: storage.StatusFailed, FailureReason: "receipt_reverted"},
		{ID: "t3", UserID: "u2", StrategyID: "s1", Symbol: "BTC", Side: storage.SideSell, SellAmount: big.NewInt(7), Status: storage.StatusBuilt},
	}
	for i := range trades {
		require.NoError(t, store.CreateTrade(context.Background(), &trades[i]))
	}
}

func TestShowListsTrades(t *testing.T) {
	store := memory.New()
	seedTrades(t, store)
	a, out := newTestApp(t, store)

	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 10}))
	text := out.String()
	assert.Contains(t, text, "u1:s1:ETH")
	assert.Contains(t, text, "receipt_reverted")
	assert.Contains(t, text, "0x11111111…1111")
}

func TestShowRequiresDatabase(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	err := a.Show(context.Background(), ShowOptions{})
	assert.ErrorContains(t, err, "database not configured")
}

func TestExportWritesCSV(t *testing.T) {
	store := memory.New()
	seedTrades(t, store)
	a, _ := newTestApp(t, store)

	path := filepath.Join(t.TempDir(), "out", "trades.csv")
	from := time.Now().Add(-time.Hour)
	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: path, From: &from}))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "created_at", rows[0][0])

	byID := map[string][]string{}
	for _, row := range rows[1:] {
		byID[row[1]] = row
	}
	assert.Equal(t, "21000", byID["t1"][14])
	assert.Equal(t, "receipt_reverted", byID["t2"][15])
}

func TestExportValidatesArguments(t *testing.T) {
	a, _ := newTestApp(t, memory.New())
	assert.Error(t, a.Export(context.Background(), ExportOptions{}))

	from := time.Now()
	to := from.Add(-time.Hour)
	assert.Error(t, a.Export(context.Background(), ExportOptions{CSVPath: "x.csv", From: &from, To: &to}))
}

func TestVolumeSeriesAccumulates(t *testing.T) {
	now := time.Now()
	trades := []storage.Trade{
		{SellAmount: big.NewInt(1500), Status: storage.StatusConfirmed, UpdatedAt: now},
		{SellAmount: big.NewInt(500), Status: storage.StatusBuilt, UpdatedAt: now},
		{SellAmount: big.NewInt(250), Status: storage.StatusFailed, UpdatedAt: now.Add(time.Minute)},
		{SellAmount: big.NewInt(1000), Status: storage.StatusConfirmed, UpdatedAt: now.Add(2 * time.Minute)},
	}
	x, confirmed, failed := volumeSeries(trades, 3)
	require.Len(t, x, 3)
	assert.Equal(t, []float64{1.5, 1.5, 2.5}, confirmed)
	assert.Equal(t, []float64{0, 0.25, 0.25}, failed)
}

func TestImportWalletSealsKey(t *testing.T) {
	store := memory.New()
	a, out := newTestApp(t, store)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := crypto.FromECDSA(key)
	a.In = strings.NewReader(hex.EncodeToString(raw) + "\n")

	require.NoError(t, a.ImportWallet(context.Background(), "u1"))
	assert.NotContains(t, out.String(), hex.EncodeToString(raw))

	var printed map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	address := crypto.PubkeyToAddress(key.PublicKey)
	assert.Equal(t, address.Hex(), printed["address"])

	wallet, err := store.GetWalletByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, wallet.Secret.KEKVersion)

	opened, err := vault.New(map[int]string{1: testKEK}, 1).Unwrap(wallet.Secret)
	require.NoError(t, err)
	assert.Equal(t, raw, opened)

	a.In = strings.NewReader(hex.EncodeToString(raw) + "\n")
	assert.Error(t, a.ImportWallet(context.Background(), "u1"))
}

func TestImportWalletRejectsGarbage(t *testing.T) {
	a, _ := newTestApp(t, memory.New())
	a.In = strings.NewReader("not-a-key\n")
	assert.Error(t, a.ImportWallet(context.Background(), "u1"))

	a.In = strings.NewReader("abcd\n")
	assert.Error(t, a.ImportWallet(context.Background(), ""))
}

func TestIssueToken(t *testing.T) {
	a, out := newTestApp(t, memory.New())
	require.NoError(t, a.IssueToken("u1", "operator", time.Hour))
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out.String()), "."))

	a.Config.Server.JWTSecret = ""
	assert.Error(t, a.IssueToken("u1", "", time.Hour))
}

func TestAlertTestRequiresAlerting(t *testing.T) {
	a, _ := newTestApp(t, memory.New())
	assert.Error(t, a.AlertTest(context.Background(), "hello"))

	a.Config.Alerting.Enabled = true
	assert.Error(t, a.AlertTest(context.Background(), "hello"))
}

func TestAlertTestThroughLogChannel(t *testing.T) {
	a, _ := newTestApp(t, memory.New())
	a.Config.Alerting.Enabled = true
	a.Config.Alerting.Channels = []string{"log"}
	a.Config.Alerting.DedupWindow = time.Minute

	assert.IsType(t, &alerting.Dedup{}, a.newNotifier())
	require.NoError(t, a.AlertTest(context.Background(), "hello"))
	require.NoError(t, a.AlertTest(context.Background(), "hello"))

	a.Config.Alerting.Channels = []string{"telegram"}
	assert.IsType(t, alerting.Nop{}, a.newNotifier())
}

func TestExportFiltersByStatus(t *testing.T) {
	store := memory.New()
	seedTrades(t, store)
	a, _ := newTestApp(t, store)

	path := filepath.Join(t.TempDir(), "failed.csv")
	require.NoError(t, a.Export(context.Background(), ExportOptions{
		CSVPath:  path,
		Statuses: []storage.TradeStatus{storage.StatusFailed},
	}))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t2", rows[1][1])
}
