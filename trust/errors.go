package trust

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound    = errors.New("trust account not found")
	ErrAccountClosed      = errors.New("trust account is closed")
	ErrDuplicateAccount   = errors.New("an open trust account already exists for this property")
	ErrInvalidPosting     = errors.New("posting must supply exactly one positive side, debit or credit")
	ErrInsufficientFunds  = errors.New("insufficient trust balance")
	ErrSettlementLocked   = errors.New("settlement is locked")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrTransferExceedsNet = errors.New("transfer exceeds settlement net payout")
	ErrNonZeroBalance     = errors.New("trust account balance must be zero to close")
	ErrInvalidTransition  = errors.New("invalid workflow transition")
	ErrBackfillLockHeld   = errors.New("backfill lease is held by another runner")
	ErrPaymentNotFound    = errors.New("sale payment not found")
)

// isDuplicateKeyErr covers the MySQL driver error and gorm's translated
// sentinel (the sqlite driver used in tests reports through the latter).
func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
