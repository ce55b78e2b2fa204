package repository

import "time"

// ── Enumerations ─────────────────────────────────────────────────────────────

// ActionType classifies what a transition does. Only ActionApprove counts
// toward a quorum.
type ActionType string

const (
	ActionApprove ActionType = "approve"
	ActionReject  ActionType = "reject"
	ActionRevise  ActionType = "revise"
	ActionProcess ActionType = "process" // operational completion, issues the document number

	// History-only action types; no transition rule carries them.
	ActionSubmit   ActionType = "submit"
	ActionResubmit ActionType = "resubmit"
)

// Valid reports whether t may appear on a transition rule.
func (t ActionType) Valid() bool {
	switch t {
	case ActionApprove, ActionReject, ActionRevise, ActionProcess:
		return true
	}
	return false
}

// StatusType classifies a status within its category.
type StatusType string

const (
	StatusInitial          StatusType = "initial"
	StatusApproval         StatusType = "approval"
	StatusRevision         StatusType = "revision"
	StatusOperationalClose StatusType = "operational_close"
	StatusReview           StatusType = "review"
	StatusCompleted        StatusType = "completed"
	StatusRejected         StatusType = "rejected"
)

// NotifiesRequester reports whether entering a status of this type is
// reported only to the requester instead of the next approvers.
func (t StatusType) NotifiesRequester() bool {
	return t == StatusRevision || t == StatusCompleted || t == StatusRejected
}

// Editable reports whether a request in this status may be deleted by its owner.
func (t StatusType) Editable() bool {
	return t == StatusInitial || t == StatusRevision
}

// ── Master data ──────────────────────────────────────────────────────────────

// Category is a request category.
type Category struct {
	ID                       int64
	Name                     string
	RequiresOperationalClose bool
	OperationalCloseStatusID *int64
	CreatedAt                time.Time
}

// Status is one state of a category's state machine.
type Status struct {
	ID         int64
	CategoryID int64
	Name       string
	Type       StatusType
}

// CorrectionType is a request tag. Lower Priority wins.
type CorrectionType struct {
	ID       int64
	Name     string
	Priority int
}

// User is a directory entry.
type User struct {
	ID           int64
	RoleID       int64
	RoleName     string
	DepartmentID *int64
	IsActive     bool
	Email        string
	FullName     string
}

// Ref returns the contact view of u.
func (u *User) Ref() UserRef {
	return UserRef{ID: u.ID, Email: u.Email, FullName: u.FullName}
}

// UserRef is the contact information handed to notifiers and callers.
type UserRef struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

// ── Workflow ─────────────────────────────────────────────────────────────────

// OperationMetadata is stamped by the operational-completion action.
type OperationMetadata struct {
	OperatorID   *int64
	CompletedAt  *time.Time
	HasObstacles *bool
}

// Request is one workflow instance.
type Request struct {
	ID              int64
	CategoryID      int64
	CorrectionTypes []CorrectionType // ascending priority
	StatusID        int64
	RequesterID     int64
	DepartmentID    *int64
	RequestDate     time.Time
	DocumentNumber  *string
	Cycle           int
	Visit           int // bumped on every status change
	Operation       OperationMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CorrectionTypeIDs returns the ids of the request's tags.
func (r *Request) CorrectionTypeIDs() []int64 {
	ids := make([]int64, 0, len(r.CorrectionTypes))
	for _, ct := range r.CorrectionTypes {
		ids = append(ids, ct.ID)
	}
	return ids
}

// ActiveCorrectionType returns the highest-priority tag, or nil when the
// request is untagged.
func (r *Request) ActiveCorrectionType() *CorrectionType {
	var best *CorrectionType
	for i := range r.CorrectionTypes {
		ct := &r.CorrectionTypes[i]
		if best == nil || ct.Priority < best.Priority {
			best = ct
		}
	}
	return best
}

// TransitionRule is one edge of a category's state machine.
type TransitionRule struct {
	ID                 int64
	CategoryID         int64
	CorrectionTypeID   *int64
	CorrectionPriority *int // priority of CorrectionTypeID; nil for general rules
	CurrentStatusID    int64
	RoleID             int64
	Action             string
	ActionType         ActionType
	NextStatusID       int64
	StepSequence       int
	FilterByDepartment bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsSpecific reports whether the rule is scoped to a correction type.
func (r *TransitionRule) IsSpecific() bool {
	return r.CorrectionTypeID != nil
}

// HistoryEntry is one immutable approval event.
type HistoryEntry struct {
	ID           int64
	RequestID    int64
	ActorID      int64
	StepSequence int
	Cycle        int
	Visit        int // visit of FromStatusID the entry was recorded in
	Action       string
	ActionType   ActionType
	FromStatusID int64
	ToStatusID   *int64 // nil while a quorum is still open
	Comment      *string
	CreatedAt    time.Time
}

// SpecialApproverMapping assigns explicit users to a step.
type SpecialApproverMapping struct {
	CategoryID       int64
	CorrectionTypeID *int64
	StepSequence     int
	UserIDs          []int64
}

// DocumentNumberConfig is the running-number series of a category and fiscal year.
type DocumentNumberConfig struct {
	ID                int64
	CategoryID        int64
	FiscalYear        int
	Prefix            string
	LastRunningNumber int
	UpdatedAt         time.Time
}

// ── Side-effect sinks ────────────────────────────────────────────────────────

// Notification is an in-app notification record.
type Notification struct {
	ID        int64
	UserID    int64
	RequestID *int64
	Message   string
	IsRead    bool
	CreatedAt time.Time
}

// AuditLogEntry is one best-effort audit record.
type AuditLogEntry struct {
	ID        int64
	UserID    *int64
	Action    string
	Detail    string
	IPAddress string
	CreatedAt time.Time
}
