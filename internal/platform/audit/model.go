package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Actions recorded by the wallet service.
const (
	ActionWithdrawalCreate  = "withdrawal.create"
	ActionWithdrawalApprove = "withdrawal.approve"
	ActionWithdrawalReject  = "withdrawal.reject"
	ActionWithdrawalCancel  = "withdrawal.cancel"
	ActionWithdrawalFail    = "withdrawal.payout_failed"
	ActionWebhookRejected   = "webhook.signature_rejected"
	ActionRemoteAdminAccess = "remote_admin_access"
	ActionReconciliationRun = "reconciliation.run"
)

type Event struct {
	AuditID    string
	RecordedAt time.Time
	ActorID    string
	ActorRole  string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}

// Filter narrows List results. Zero values match everything; results are newest first.
type Filter struct {
	ObjectType string
	ObjectID   string
	Limit      int
}

func (f Filter) matches(e Event) bool {
	if f.ObjectType != "" && e.ObjectType != f.ObjectType {
		return false
	}
	if f.ObjectID != "" && e.ObjectID != f.ObjectID {
		return false
	}
	return true
}
