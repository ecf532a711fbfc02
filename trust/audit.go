package trust

import (
	"context"
	"encoding/json"

	"bitbucket.org/mmdatafocus/property_backend/appctx"
	"bitbucket.org/mmdatafocus/property_backend/config"
	"bitbucket.org/mmdatafocus/property_backend/models"
)

const (
	auditEntityAccount     = "trust_account"
	auditEntityTransaction = "trust_transaction"
	auditEntitySettlement  = "trust_settlement"

	auditActionCreated        = "CREATED"
	auditActionBalanceUpdated = "BALANCE_UPDATED"
	auditActionStateChanged   = "STATE_CHANGED"
	auditActionStatusChanged  = "STATUS_CHANGED"
	auditActionSettled        = "SETTLEMENT_CALCULATED"
	auditActionLocked         = "LOCKED"
	auditActionRepaired       = "BALANCE_REPAIRED"
)

// writeAudit appends an audit entry outside the primary transaction. It is
// best-effort: a failed audit write is logged and never propagated, so it
// cannot block or roll back the operation it describes.
func (e *Engine) writeAudit(ctx context.Context, companyId, entityType string, entityId int, action string, before, after any, sourceEvent string) {
	entry := models.TrustAuditLog{
		CompanyId:   companyId,
		EntityType:  entityType,
		EntityId:    entityId,
		Action:      action,
		BeforeObj:   snapshotJSON(before),
		AfterObj:    snapshotJSON(after),
		SourceEvent: sourceEvent,
		Actor:       actorFromContext(ctx),
	}
	if corr, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok {
		entry.CorrelationId = corr
	}

	if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
		config.LogError(e.logger, "trust", "writeAudit", "appending audit entry", entry.EntityType, err)
	}
}

func snapshotJSON(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := appctx.GetString(ctx, appctx.ContextKeyActor); ok && actor != "" {
		return actor
	}
	return "system"
}
