package store

import "time"

// Message is the unit of conversation. Immutable after insert except for
// body edits and the soft-delete markers; hard deletion happens only in
// the compliance purge path.
type Message struct {
	ID              string
	CompanyID       int64
	AuthorEmpid     string
	ParentMessageID string
	ConversationID  string
	LinkedType      string
	LinkedID        string
	Body            string
	Topic           string
	MessageClass    string
	VisibilityScope string
	Recipients      []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
	DeletedByEmpid  string
}

// IdempotencyRecord maps a caller-supplied key to the message it created.
// Unique on (company_id, empid, idempotency_key); that constraint is the
// concurrency-control primitive for duplicate-free retries.
type IdempotencyRecord struct {
	CompanyID      int64
	Empid          string
	IdempotencyKey string
	MessageID      string
	CreatedAt      time.Time
}

// LegalHold suspends deletion for matching messages. Releasing a hold
// sets EndsAt; rows are never removed.
type LegalHold struct {
	ID               string
	CompanyID        int64
	Status           string
	Scope            string
	TargetUserEmpid  string
	ConversationID   string
	LinkedEntityType string
	LinkedEntityID   string
	Reason           string
	CreatedBy        string
	StartsAt         time.Time
	EndsAt           *time.Time
}

// Membership is a tenant session record: who an empid is inside one
// company. Departments and projects feed permission scope matching.
type Membership struct {
	Empid       string
	CompanyID   int64
	DisplayName string
	Role        string
	Departments []string
	Projects    []string
}

// PermissionRule is a tenant's explicit allow/deny override, loaded into
// the permission engine alongside the role presets.
type PermissionRule struct {
	ID        string
	CompanyID int64
	Effect    string
	Actions   []string
	Scope     map[string]string
	CreatedAt time.Time
}

type PurgeRun struct {
	ID            string
	CompanyID     int64
	Status        string
	RequestedBy   string
	ActionCount   int
	ChainTailHash string
	DryRun        bool
	StartedAt     time.Time
	CompletedAt   *time.Time
}

type CustodyRecord struct {
	PurgeRunID   string
	CompanyID    int64
	MessageID    string
	Seq          int
	PreviousHash string
	RecordHash   string
	CreatedAt    time.Time
}

type DeletionCertificate struct {
	CompanyID         int64
	PurgeRunID        string
	ActionCount       int
	ChainTailHash     string
	GeneratedBy       string
	IssuedAt          time.Time
	CertificateDigest string
}

// ComplianceApprover holds the bcrypt passcode hash an approver presents
// when countersigning a destructive purge.
type ComplianceApprover struct {
	Empid        string
	CompanyID    int64
	DisplayName  string
	PasscodeHash string
}

type Attachment struct {
	ID          string
	CompanyID   int64
	MessageID   string
	FileName    string
	ContentType string
	Size        int64
	ObjectKey   string
	UploadedBy  string
	CreatedAt   time.Time
}
