package models

// Status values are stored as short strings rather than MySQL enum columns so
// the same schema migrates on the pure-Go sqlite driver used in tests.

type TrustAccountStatus string

const (
	TrustAccountStatusOpen    TrustAccountStatus = "OPEN"
	TrustAccountStatusSettled TrustAccountStatus = "SETTLED"
	TrustAccountStatusClosed  TrustAccountStatus = "CLOSED"
)

type WorkflowState string

const (
	WorkflowStateValued           WorkflowState = "VALUED"
	WorkflowStateListed           WorkflowState = "LISTED"
	WorkflowStateDepositReceived  WorkflowState = "DEPOSIT_RECEIVED"
	WorkflowStateTrustOpen        WorkflowState = "TRUST_OPEN"
	WorkflowStateTaxPending       WorkflowState = "TAX_PENDING"
	WorkflowStateSettled          WorkflowState = "SETTLED"
	WorkflowStateTransferComplete WorkflowState = "TRANSFER_COMPLETE"
	WorkflowStateTrustClosed      WorkflowState = "TRUST_CLOSED"
)

type TrustTransactionType string

const (
	TransactionTypeBuyerPayment        TrustTransactionType = "BUYER_PAYMENT"
	TransactionTypeTransferToSeller    TrustTransactionType = "TRANSFER_TO_SELLER"
	TransactionTypeCgtDeduction        TrustTransactionType = "CGT_DEDUCTION"
	TransactionTypeCommissionDeduction TrustTransactionType = "COMMISSION_DEDUCTION"
	TransactionTypeVatDeduction        TrustTransactionType = "VAT_DEDUCTION"
	TransactionTypeVatOnCommission     TrustTransactionType = "VAT_ON_COMMISSION"
	TransactionTypeRefund              TrustTransactionType = "REFUND"
)

type SalePaymentStatus string

const (
	SalePaymentStatusPending   SalePaymentStatus = "PENDING"
	SalePaymentStatusCompleted SalePaymentStatus = "COMPLETED"
	SalePaymentStatusFailed    SalePaymentStatus = "FAILED"
	SalePaymentStatusReversed  SalePaymentStatus = "REVERSED"
)

type SalePaymentKind string

const (
	SalePaymentKindSale     SalePaymentKind = "SALE"
	SalePaymentKindReversal SalePaymentKind = "REVERSAL"
)

type PropertyStatus string

const (
	PropertyStatusValued    PropertyStatus = "VALUED"
	PropertyStatusForSale   PropertyStatus = "FOR_SALE"
	PropertyStatusSold      PropertyStatus = "SOLD"
	PropertyStatusWithdrawn PropertyStatus = "WITHDRAWN"
)

type ProcessedEventStatus string

const (
	ProcessedEventStatusStarted   ProcessedEventStatus = "STARTED"
	ProcessedEventStatusProcessed ProcessedEventStatus = "PROCESSED"
	ProcessedEventStatusFailed    ProcessedEventStatus = "FAILED"
)

type EventFailureStatus string

const (
	EventFailureStatusPending  EventFailureStatus = "PENDING"
	EventFailureStatusResolved EventFailureStatus = "RESOLVED"
	EventFailureStatusDead     EventFailureStatus = "DEAD"
)

type MigrationStatus string

const (
	MigrationStatusIdle      MigrationStatus = "IDLE"
	MigrationStatusRunning   MigrationStatus = "RUNNING"
	MigrationStatusCompleted MigrationStatus = "COMPLETED"
	MigrationStatusFailed    MigrationStatus = "FAILED"
)

// ReconciliationOutcome is the per-account verdict of a reconciliation run.
type ReconciliationOutcome string

const (
	ReconciliationOutcomeConsistent ReconciliationOutcome = "CONSISTENT"
	ReconciliationOutcomeRepaired   ReconciliationOutcome = "REPAIRED"
	ReconciliationOutcomeFlagged    ReconciliationOutcome = "FLAGGED_FOR_MANUAL_REVIEW"
)
