package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orderpilot/execore/internal/repository"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(repository.AllModels()...))
	return repository.New(db, false)
}

func TestApply_OpensAndAveragesEntry(t *testing.T) {
	repo := newTestRepo(t)
	rec := New(repo)

	_, err := rec.Apply(repo.DB(), Fill{StrategyAccountID: "sa-1", Symbol: "BTCUSDT", Side: "BUY", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	res, err := rec.Apply(repo.DB(), Fill{StrategyAccountID: "sa-1", Symbol: "BTCUSDT", Side: "BUY", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(200)})
	require.NoError(t, err)
	require.True(t, res.IsEntry)

	pos, err := repo.LoadPositionForUpdate(repo.DB(), "sa-1", "BTCUSDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	require.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(150)))
}

func TestApply_ReducesAndRealizesPnL(t *testing.T) {
	repo := newTestRepo(t)
	rec := New(repo)

	_, err := rec.Apply(repo.DB(), Fill{StrategyAccountID: "sa-2", Symbol: "ETHUSDT", Side: "BUY", Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	res, err := rec.Apply(repo.DB(), Fill{StrategyAccountID: "sa-2", Symbol: "ETHUSDT", Side: "SELL", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(150)})
	require.NoError(t, err)
	require.False(t, res.IsEntry)
	require.True(t, res.RealizedPnL.Equal(decimal.NewFromInt(50)))

	pos, err := repo.LoadPositionForUpdate(repo.DB(), "sa-2", "ETHUSDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))
}

func TestApply_FlipsPosition(t *testing.T) {
	repo := newTestRepo(t)
	rec := New(repo)

	_, err := rec.Apply(repo.DB(), Fill{StrategyAccountID: "sa-3", Symbol: "SOLUSDT", Side: "BUY", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	res, err := rec.Apply(repo.DB(), Fill{StrategyAccountID: "sa-3", Symbol: "SOLUSDT", Side: "SELL", Quantity: decimal.NewFromInt(3), Price: decimal.NewFromInt(120)})
	require.NoError(t, err)
	require.True(t, res.RealizedPnL.Equal(decimal.NewFromInt(20)))

	pos, err := repo.LoadPositionForUpdate(repo.DB(), "sa-3", "SOLUSDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(decimal.NewFromInt(-2)))
	require.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(120)))
}
