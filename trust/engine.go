// Package trust implements the trust ledger and settlement engine: per-deal
// trust accounts, the append-only posting ledger, settlement and tax
// deductions, payment-event consumption with durable retry, reconciliation,
// and the historical backfill migration.
package trust

import (
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Options carries the engine's dependencies. Everything is constructed in
// main and injected; Redis and the lock client are optional (nil disables the
// snapshot cache and cross-instance job guards).
type Options struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Redis  *redis.Client
	Locker *redislock.Client

	// TxSupported is decided once at startup. When false the posting engine
	// degrades to sequential best-effort writes and relies on reconciliation
	// to close any resulting drift.
	TxSupported bool
}

type Engine struct {
	db       *gorm.DB
	logger   *logrus.Logger
	rdb      *redis.Client
	locker   *redislock.Client
	validate *validator.Validate

	txSupported  bool
	accountLocks *keyedMutex
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		db:           opts.DB,
		logger:       logger,
		rdb:          opts.Redis,
		locker:       opts.Locker,
		validate:     validator.New(),
		txSupported:  opts.TxSupported,
		accountLocks: newKeyedMutex(),
	}
}

// withAccountTx runs fn while holding the per-account mutex, inside a DB
// transaction when the deployment supports one. The mutex serializes
// same-account postings even on the non-transactional path, which would
// otherwise lose updates under concurrency.
func (e *Engine) withAccountTx(accountId int, fn func(db *gorm.DB) error) error {
	mu := e.accountLocks.get(accountId)
	mu.Lock()
	defer mu.Unlock()

	if e.txSupported {
		return e.db.Transaction(fn)
	}
	return fn(e.db)
}

// withTx wraps fn in a transaction when the deployment supports one.
func (e *Engine) withTx(fn func(db *gorm.DB) error) error {
	if e.txSupported {
		return e.db.Transaction(fn)
	}
	return fn(e.db)
}
