package trust

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bitbucket.org/mmdatafocus/property_backend/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trust_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTables(db); err != nil {
		t.Fatalf("migrate tables: %v", err)
	}
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Options{DB: newTestDB(t), Logger: newTestLogger(), TxSupported: true})
}

func newTestEngineWithRedis(t *testing.T) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewEngine(Options{DB: newTestDB(t), Logger: newTestLogger(), Redis: rdb, TxSupported: true})
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func mustCreateAccount(t *testing.T, e *Engine, companyId string, propertyId int, price string) *models.TrustAccount {
	t.Helper()
	acct, err := e.CreateTrustAccount(context.Background(), CreateTrustAccountInput{
		CompanyId:     companyId,
		PropertyId:    propertyId,
		PurchasePrice: dec(t, price),
		WorkflowState: models.WorkflowStateListed,
	})
	if err != nil {
		t.Fatalf("CreateTrustAccount: %v", err)
	}
	return acct
}

func mustPostPayment(t *testing.T, e *Engine, accountId, paymentId int, amount string) *PostResult {
	t.Helper()
	res, err := e.RecordBuyerPayment(context.Background(), RecordBuyerPaymentInput{
		AccountId:       accountId,
		Amount:          dec(t, amount),
		SourcePaymentId: &paymentId,
		Reference:       "test payment",
	})
	if err != nil {
		t.Fatalf("RecordBuyerPayment: %v", err)
	}
	return res
}

// seedSalePayment writes a gateway read-model row directly, the way the
// excluded sync layer would.
func seedSalePayment(t *testing.T, e *Engine, p models.SalePayment) models.SalePayment {
	t.Helper()
	if p.Kind == "" {
		p.Kind = models.SalePaymentKindSale
	}
	if p.Status == "" {
		p.Status = models.SalePaymentStatusCompleted
	}
	if err := e.db.Create(&p).Error; err != nil {
		t.Fatalf("seed sale payment: %v", err)
	}
	return p
}

func reloadAccount(t *testing.T, e *Engine, accountId int) *models.TrustAccount {
	t.Helper()
	acct, err := e.GetAccount(context.Background(), accountId)
	if err != nil {
		t.Fatalf("GetAccount(%d): %v", accountId, err)
	}
	return acct
}
