package trust

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/property_backend/models"
	"gorm.io/gorm"
)

// workflowEdges is the fixed transition graph of a deal. LISTED may skip the
// deposit step straight to TRUST_OPEN, and TRUST_OPEN may skip tax straight
// to SETTLED. TRUST_CLOSED is terminal.
var workflowEdges = map[models.WorkflowState][]models.WorkflowState{
	models.WorkflowStateValued:           {models.WorkflowStateListed},
	models.WorkflowStateListed:           {models.WorkflowStateDepositReceived, models.WorkflowStateTrustOpen},
	models.WorkflowStateDepositReceived:  {models.WorkflowStateTrustOpen},
	models.WorkflowStateTrustOpen:        {models.WorkflowStateTaxPending, models.WorkflowStateSettled},
	models.WorkflowStateTaxPending:       {models.WorkflowStateSettled},
	models.WorkflowStateSettled:          {models.WorkflowStateTransferComplete},
	models.WorkflowStateTransferComplete: {models.WorkflowStateTrustClosed},
	models.WorkflowStateTrustClosed:      {},
}

func canTransition(from, to models.WorkflowState) bool {
	for _, next := range workflowEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionWorkflow moves the account along one edge of the workflow graph,
// rejecting anything not in the current state's allowed set.
func (e *Engine) TransitionWorkflow(ctx context.Context, accountId int, to models.WorkflowState) (*models.TrustAccount, error) {
	if _, known := workflowEdges[to]; !known {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	var (
		acct models.TrustAccount
		from models.WorkflowState
	)
	err := e.withAccountTx(accountId, func(db *gorm.DB) error {
		if err := db.WithContext(ctx).First(&acct, accountId).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrAccountNotFound
			}
			return err
		}
		if !canTransition(acct.WorkflowState, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, acct.WorkflowState, to)
		}

		from = acct.WorkflowState
		if err := db.WithContext(ctx).Model(&models.TrustAccount{}).
			Where("id = ?", acct.ID).
			Update("workflow_state", to).Error; err != nil {
			return err
		}
		acct.WorkflowState = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.writeAudit(ctx, acct.CompanyId, auditEntityAccount, acct.ID, auditActionStateChanged,
		map[string]any{"workflow_state": from},
		map[string]any{"workflow_state": to}, "")
	return &acct, nil
}
