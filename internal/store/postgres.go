package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateKey reports a unique-constraint violation. On the
// idempotency table this is the expected outcome of a concurrent retry,
// not a failure.
var ErrDuplicateKey = errors.New("duplicate key")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ---- messages ----

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	recipients := msg.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	encoded, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, company_id, author_empid, parent_message_id, conversation_id, linked_type, linked_id, body, topic, message_class, visibility_scope, recipients, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $13)
	`, msg.ID, msg.CompanyID, msg.AuthorEmpid,
		nullable(msg.ParentMessageID), nullable(msg.ConversationID),
		nullable(msg.LinkedType), nullable(msg.LinkedID),
		msg.Body, msg.Topic, msg.MessageClass, msg.VisibilityScope,
		string(encoded), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, company_id, author_empid, COALESCE(parent_message_id, ''), COALESCE(conversation_id, ''), COALESCE(linked_type, ''), COALESCE(linked_id, ''), body, topic, message_class, visibility_scope, recipients, created_at, updated_at, deleted_at, COALESCE(deleted_by_empid, '')`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var msg Message
	var recipientsRaw []byte
	err := row.Scan(
		&msg.ID, &msg.CompanyID, &msg.AuthorEmpid,
		&msg.ParentMessageID, &msg.ConversationID,
		&msg.LinkedType, &msg.LinkedID,
		&msg.Body, &msg.Topic, &msg.MessageClass, &msg.VisibilityScope,
		&recipientsRaw, &msg.CreatedAt, &msg.UpdatedAt,
		&msg.DeletedAt, &msg.DeletedByEmpid,
	)
	if err != nil {
		return Message{}, err
	}
	_ = json.Unmarshal(recipientsRaw, &msg.Recipients)
	return msg, nil
}

// GetMessage is scoped to one company. A message belonging to another
// company comes back as sql.ErrNoRows, indistinguishable from absence.
func (s *PostgresStore) GetMessage(ctx context.Context, companyID int64, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id=$1 AND company_id=$2
	`, messageID, companyID)
	return scanMessage(row)
}

// ListMessages returns the most recent live messages for a company, in
// creation order. The window is taken from the newest end so an active
// tenant always sees its latest messages regardless of history size.
func (s *PostgresStore) ListMessages(ctx context.Context, companyID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE company_id=$1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// ListMessagesForRetention returns every message of a company including
// soft-deleted rows; the purge pipeline accounts for all of them.
func (s *PostgresStore) ListMessagesForRetention(ctx context.Context, companyID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE company_id=$1
		ORDER BY created_at ASC, id ASC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list messages for retention: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retention message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retention messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMessageBody(ctx context.Context, companyID int64, messageID, body string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body=$1, updated_at=NOW()
		WHERE id=$2 AND company_id=$3 AND deleted_at IS NULL
	`, body, messageID, companyID)
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message body affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDeleteMessage marks the row; it never removes it. Hard deletion is
// the purge pipeline's job.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, companyID int64, messageID, deletedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at=NOW(), deleted_by_empid=$1, updated_at=NOW()
		WHERE id=$2 AND company_id=$3 AND deleted_at IS NULL
	`, deletedBy, messageID, companyID)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HardDeleteMessages removes purged rows and their idempotency mappings
// in one transaction. Only the purge pipeline calls this.
func (s *PostgresStore) HardDeleteMessages(ctx context.Context, companyID int64, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	encoded, err := json.Marshal(messageIDs)
	if err != nil {
		return 0, fmt.Errorf("marshal purge ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_idempotency
		WHERE company_id=$1 AND message_id IN (SELECT jsonb_array_elements_text($2::jsonb))
	`, companyID, string(encoded)); err != nil {
		return 0, fmt.Errorf("purge idempotency rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attachments
		WHERE company_id=$1 AND message_id IN (SELECT jsonb_array_elements_text($2::jsonb))
	`, companyID, string(encoded)); err != nil {
		return 0, fmt.Errorf("purge attachment rows: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE company_id=$1 AND id IN (SELECT jsonb_array_elements_text($2::jsonb))
	`, companyID, string(encoded))
	if err != nil {
		return 0, fmt.Errorf("purge message rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge tx: %w", err)
	}
	return int(affected), nil
}

// ---- idempotency ----

// InsertIdempotencyRecord maps a key to its message. A concurrent
// duplicate insert surfaces as ErrDuplicateKey so the caller can re-read
// the winning row instead of failing.
func (s *PostgresStore) InsertIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_idempotency (company_id, empid, idempotency_key, message_id)
		VALUES ($1, $2, $3, $4)
	`, rec.CompanyID, rec.Empid, rec.IdempotencyKey, rec.MessageID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %s: %w", rec.IdempotencyKey, ErrDuplicateKey)
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// GetIdempotentMessage resolves a key back to the message it created.
func (s *PostgresStore) GetIdempotentMessage(ctx context.Context, companyID int64, empid, key string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = (
			SELECT message_id FROM message_idempotency
			WHERE company_id=$1 AND empid=$2 AND idempotency_key=$3
		) AND company_id=$1
	`, companyID, empid, key)
	return scanMessage(row)
}

// ---- legal holds ----

func (s *PostgresStore) InsertLegalHold(ctx context.Context, hold LegalHold) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO legal_holds (id, company_id, status, scope, target_user_empid, conversation_id, linked_entity_type, linked_entity_id, reason, created_by, starts_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, hold.ID, hold.CompanyID, hold.Status, hold.Scope,
		nullable(hold.TargetUserEmpid), nullable(hold.ConversationID),
		nullable(hold.LinkedEntityType), nullable(hold.LinkedEntityID),
		hold.Reason, hold.CreatedBy, hold.StartsAt)
	if err != nil {
		return fmt.Errorf("insert legal hold: %w", err)
	}
	return nil
}

// ReleaseLegalHold closes a hold without removing its row; hold history
// is immutable.
func (s *PostgresStore) ReleaseLegalHold(ctx context.Context, companyID int64, holdID string, endsAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE legal_holds SET status='released', ends_at=$1
		WHERE id=$2 AND company_id=$3 AND status='active'
	`, endsAt, holdID, companyID)
	if err != nil {
		return fmt.Errorf("release legal hold: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release hold affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListLegalHolds(ctx context.Context, companyID int64) ([]LegalHold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, status, scope, COALESCE(target_user_empid, ''), COALESCE(conversation_id, ''), COALESCE(linked_entity_type, ''), COALESCE(linked_entity_id, ''), reason, created_by, starts_at, ends_at
		FROM legal_holds
		WHERE company_id=$1
		ORDER BY starts_at DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list legal holds: %w", err)
	}
	defer rows.Close()

	items := make([]LegalHold, 0)
	for rows.Next() {
		var hold LegalHold
		if err := rows.Scan(
			&hold.ID, &hold.CompanyID, &hold.Status, &hold.Scope,
			&hold.TargetUserEmpid, &hold.ConversationID,
			&hold.LinkedEntityType, &hold.LinkedEntityID,
			&hold.Reason, &hold.CreatedBy, &hold.StartsAt, &hold.EndsAt,
		); err != nil {
			return nil, fmt.Errorf("scan legal hold: %w", err)
		}
		items = append(items, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legal holds: %w", err)
	}
	return items, nil
}

// ---- retention policies ----

// GetRetentionPolicy loads a company's class overrides as a map. An
// empty map means the defaults apply.
func (s *PostgresStore) GetRetentionPolicy(ctx context.Context, companyID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_class, retention_days FROM retention_policies WHERE company_id=$1
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("get retention policy: %w", err)
	}
	defer rows.Close()

	policy := map[string]int{}
	for rows.Next() {
		var class string
		var days int
		if err := rows.Scan(&class, &days); err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		policy[class] = days
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retention policy: %w", err)
	}
	return policy, nil
}

func (s *PostgresStore) UpsertRetentionPolicy(ctx context.Context, companyID int64, class string, days int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_policies (company_id, message_class, retention_days)
		VALUES ($1, $2, $3)
		ON CONFLICT (company_id, message_class) DO UPDATE SET retention_days=EXCLUDED.retention_days
	`, companyID, class, days)
	if err != nil {
		return fmt.Errorf("upsert retention policy: %w", err)
	}
	return nil
}

// ---- memberships and permission rules ----

func (s *PostgresStore) GetMembership(ctx context.Context, empid string, companyID int64) (Membership, error) {
	var m Membership
	var departmentsRaw, projectsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT empid, company_id, display_name, role, departments, projects
		FROM tenant_memberships
		WHERE empid=$1 AND company_id=$2
	`, empid, companyID).Scan(&m.Empid, &m.CompanyID, &m.DisplayName, &m.Role, &departmentsRaw, &projectsRaw)
	if err != nil {
		return Membership{}, err
	}
	_ = json.Unmarshal(departmentsRaw, &m.Departments)
	_ = json.Unmarshal(projectsRaw, &m.Projects)
	return m, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m Membership) error {
	departments, err := json.Marshal(orEmpty(m.Departments))
	if err != nil {
		return fmt.Errorf("marshal departments: %w", err)
	}
	projects, err := json.Marshal(orEmpty(m.Projects))
	if err != nil {
		return fmt.Errorf("marshal projects: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_memberships (empid, company_id, display_name, role, departments, projects)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
		ON CONFLICT (empid, company_id) DO UPDATE
		SET display_name=EXCLUDED.display_name, role=EXCLUDED.role, departments=EXCLUDED.departments, projects=EXCLUDED.projects
	`, m.Empid, m.CompanyID, m.DisplayName, m.Role, string(departments), string(projects))
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPermissionRules(ctx context.Context, companyID int64) ([]PermissionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, effect, actions, scope, created_at
		FROM permission_rules
		WHERE company_id=$1
		ORDER BY created_at ASC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list permission rules: %w", err)
	}
	defer rows.Close()

	items := make([]PermissionRule, 0)
	for rows.Next() {
		var rule PermissionRule
		var actionsRaw, scopeRaw []byte
		if err := rows.Scan(&rule.ID, &rule.CompanyID, &rule.Effect, &actionsRaw, &scopeRaw, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission rule: %w", err)
		}
		_ = json.Unmarshal(actionsRaw, &rule.Actions)
		_ = json.Unmarshal(scopeRaw, &rule.Scope)
		items = append(items, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission rules: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertPermissionRule(ctx context.Context, rule PermissionRule) error {
	actions, err := json.Marshal(orEmpty(rule.Actions))
	if err != nil {
		return fmt.Errorf("marshal rule actions: %w", err)
	}
	scope := rule.Scope
	if scope == nil {
		scope = map[string]string{}
	}
	scopeEncoded, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("marshal rule scope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permission_rules (id, company_id, effect, actions, scope)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
	`, rule.ID, rule.CompanyID, rule.Effect, string(actions), string(scopeEncoded))
	if err != nil {
		return fmt.Errorf("insert permission rule: %w", err)
	}
	return nil
}

// ---- purge runs, custody chain, certificates ----

func (s *PostgresStore) InsertPurgeRun(ctx context.Context, run PurgeRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purge_runs (id, company_id, status, requested_by, dry_run, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.CompanyID, run.Status, run.RequestedBy, run.DryRun, run.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("purge run %s: %w", run.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("insert purge run: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompletePurgeRun(ctx context.Context, runID string, actionCount int, chainTailHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE purge_runs SET status='completed', action_count=$1, chain_tail_hash=$2, completed_at=NOW()
		WHERE id=$3
	`, actionCount, chainTailHash, runID)
	if err != nil {
		return fmt.Errorf("complete purge run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete purge run affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetPurgeRun(ctx context.Context, companyID int64, runID string) (PurgeRun, error) {
	var run PurgeRun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, status, requested_by, action_count, COALESCE(chain_tail_hash, ''), dry_run, started_at, completed_at
		FROM purge_runs
		WHERE id=$1 AND company_id=$2
	`, runID, companyID).Scan(&run.ID, &run.CompanyID, &run.Status, &run.RequestedBy, &run.ActionCount, &run.ChainTailHash, &run.DryRun, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return PurgeRun{}, err
	}
	return run, nil
}

func (s *PostgresStore) InsertCustodyRecords(ctx context.Context, records []CustodyRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin custody tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, record := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custody_records (purge_run_id, company_id, message_id, seq, previous_hash, record_hash)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, record.PurgeRunID, record.CompanyID, record.MessageID, record.Seq, record.PreviousHash, record.RecordHash); err != nil {
			return fmt.Errorf("insert custody record seq %d: %w", record.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit custody tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCustodyRecords(ctx context.Context, companyID int64, purgeRunID string) ([]CustodyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT purge_run_id, company_id, message_id, seq, previous_hash, record_hash, created_at
		FROM custody_records
		WHERE company_id=$1 AND purge_run_id=$2
		ORDER BY seq ASC
	`, companyID, purgeRunID)
	if err != nil {
		return nil, fmt.Errorf("list custody records: %w", err)
	}
	defer rows.Close()

	items := make([]CustodyRecord, 0)
	for rows.Next() {
		var record CustodyRecord
		if err := rows.Scan(&record.PurgeRunID, &record.CompanyID, &record.MessageID, &record.Seq, &record.PreviousHash, &record.RecordHash, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan custody record: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody records: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertDeletionCertificate(ctx context.Context, cert DeletionCertificate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deletion_certificates (company_id, purge_run_id, action_count, chain_tail_hash, generated_by, issued_at, certificate_digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cert.CompanyID, cert.PurgeRunID, cert.ActionCount, cert.ChainTailHash, cert.GeneratedBy, cert.IssuedAt, cert.CertificateDigest)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deletion certificate for run %s: %w", cert.PurgeRunID, ErrDuplicateKey)
		}
		return fmt.Errorf("insert deletion certificate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeletionCertificate(ctx context.Context, companyID int64, purgeRunID string) (DeletionCertificate, error) {
	var cert DeletionCertificate
	err := s.db.QueryRowContext(ctx, `
		SELECT company_id, purge_run_id, action_count, chain_tail_hash, generated_by, issued_at, certificate_digest
		FROM deletion_certificates
		WHERE company_id=$1 AND purge_run_id=$2
	`, companyID, purgeRunID).Scan(&cert.CompanyID, &cert.PurgeRunID, &cert.ActionCount, &cert.ChainTailHash, &cert.GeneratedBy, &cert.IssuedAt, &cert.CertificateDigest)
	if err != nil {
		return DeletionCertificate{}, err
	}
	return cert, nil
}

// ---- compliance approvers ----

func (s *PostgresStore) GetComplianceApprover(ctx context.Context, companyID int64, empid string) (ComplianceApprover, error) {
	var approver ComplianceApprover
	err := s.db.QueryRowContext(ctx, `
		SELECT empid, company_id, display_name, passcode_hash
		FROM compliance_approvers
		WHERE company_id=$1 AND empid=$2
	`, companyID, empid).Scan(&approver.Empid, &approver.CompanyID, &approver.DisplayName, &approver.PasscodeHash)
	if err != nil {
		return ComplianceApprover{}, err
	}
	return approver, nil
}

func (s *PostgresStore) UpsertComplianceApprover(ctx context.Context, approver ComplianceApprover) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_approvers (empid, company_id, display_name, passcode_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (empid, company_id) DO UPDATE
		SET display_name=EXCLUDED.display_name, passcode_hash=EXCLUDED.passcode_hash
	`, approver.Empid, approver.CompanyID, approver.DisplayName, approver.PasscodeHash)
	if err != nil {
		return fmt.Errorf("upsert compliance approver: %w", err)
	}
	return nil
}

// ---- attachments ----

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, company_id, message_id, file_name, content_type, size_bytes, object_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, attachment.ID, attachment.CompanyID, attachment.MessageID, attachment.FileName, attachment.ContentType, attachment.Size, attachment.ObjectKey, attachment.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, companyID int64, attachmentID string) (Attachment, error) {
	var attachment Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, message_id, file_name, content_type, size_bytes, object_key, uploaded_by, created_at
		FROM attachments
		WHERE id=$1 AND company_id=$2
	`, attachmentID, companyID).Scan(&attachment.ID, &attachment.CompanyID, &attachment.MessageID, &attachment.FileName, &attachment.ContentType, &attachment.Size, &attachment.ObjectKey, &attachment.UploadedBy, &attachment.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return attachment, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, companyID int64, messageID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, message_id, file_name, content_type, size_bytes, object_key, uploaded_by, created_at
		FROM attachments
		WHERE company_id=$1 AND message_id=$2
		ORDER BY created_at ASC
	`, companyID, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var attachment Attachment
		if err := rows.Scan(&attachment.ID, &attachment.CompanyID, &attachment.MessageID, &attachment.FileName, &attachment.ContentType, &attachment.Size, &attachment.ObjectKey, &attachment.UploadedBy, &attachment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
