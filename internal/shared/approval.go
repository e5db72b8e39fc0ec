package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/purchasing/internal/platform/db"
)

// ApprovalAction enumerates approval log actions.
type ApprovalAction string

const (
	// ApprovalApprove marks an approve action.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalDispatch marks the hand off to the supplier.
	ApprovalDispatch ApprovalAction = "DISPATCH"
)

// approvalNamespace seeds deterministic reference ids for module records.
var approvalNamespace = uuid.MustParse("6f0b8c52-54a1-4c8e-9d8f-3b0f7a6c2d11")

// ApprovalRef derives a stable reference id for a module record.
func ApprovalRef(module string, id int64) uuid.UUID {
	return uuid.NewSHA1(approvalNamespace, []byte(fmt.Sprintf("%s:%d", module, id)))
}

// ApprovalLog represents a single approval record.
type ApprovalLog struct {
	ID      int64
	Module  string
	RefID   uuid.UUID
	ActorID int64
	Action  ApprovalAction
	Note    string
	At      time.Time
}

// ApprovalRecorder persists approval history.
type ApprovalRecorder struct {
	pool *pgxpool.Pool
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool) *ApprovalRecorder {
	return &ApprovalRecorder{pool: pool}
}

// Record writes an approval entry, inside the caller's transaction when one is open.
func (r *ApprovalRecorder) Record(ctx context.Context, entry ApprovalLog) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	switch {
	case entry.Module == "":
		return errors.New("approval module required")
	case entry.RefID == uuid.Nil:
		return errors.New("approval ref id required")
	case entry.Action == "":
		return errors.New("approval action required")
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO approvals (module, ref_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, $5, NOW())`, entry.Module, entry.RefID, entry.ActorID, string(entry.Action), entry.Note)
	if err != nil {
		return fmt.Errorf("shared: record approval: %w", err)
	}
	return nil
}
