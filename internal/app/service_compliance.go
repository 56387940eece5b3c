package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parley/api/internal/approval"
	"parley/api/internal/blob"
	"parley/api/internal/conversation"
	"parley/api/internal/custody"
	"parley/api/internal/email"
	"parley/api/internal/export"
	"parley/api/internal/rbac"
	"parley/api/internal/retention"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

const maxAttachmentSize = 25 << 20

type approvalVerifier interface {
	Verify(ctx context.Context, companyID int64, signatures []approval.Signature) ([]string, error)
	Enroll(ctx context.Context, companyID int64, empid, displayName, passcode string) error
}

type certificateArchive interface {
	AppendCertificate(cert store.DeletionCertificate, records []store.CustodyRecord) error
}

type complianceNotifier interface {
	IsConfigured() bool
	SendPurgeCertificate(to []string, data email.PurgeCertificateData) error
	SendLegalHoldNotice(to []string, data email.LegalHoldData) error
}

type attachmentStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Remove(ctx context.Context, key string) error
	RemoveMessage(ctx context.Context, companyID int64, messageID string) error
}

type transcriptExporter interface {
	Export(ctx context.Context, t export.Transcript, format export.Format) (*export.Result, error)
}

type CreateLegalHoldInput struct {
	Scope            string `json:"scope"`
	TargetUserEmpid  string `json:"targetUserEmpid"`
	ConversationID   string `json:"conversationId"`
	LinkedEntityType string `json:"linkedEntityType"`
	LinkedEntityID   string `json:"linkedEntityId"`
	Reason           string `json:"reason"`
	NotifyEmails     []string
}

type ApplyPurgeInput struct {
	AsOf       time.Time            `json:"asOf"`
	DryRun     bool                 `json:"dryRun"`
	Signatures []approval.Signature `json:"signatures"`
	// NotifyEmails receive the certificate notice on completion.
	NotifyEmails []string `json:"notifyEmails"`
}

type ApplyPurgeResult struct {
	RunID       string                     `json:"runId,omitempty"`
	Result      retention.ApplyResult      `json:"result"`
	Certificate *store.DeletionCertificate `json:"certificate,omitempty"`
	Deleted     int                        `json:"deleted"`
}

// PurgeRunDetail joins a run with its custody chain and certificate for
// audit review.
type PurgeRunDetail struct {
	Run         store.PurgeRun             `json:"run"`
	Records     []store.CustodyRecord      `json:"records"`
	Certificate *store.DeletionCertificate `json:"certificate,omitempty"`
	ChainValid  bool                       `json:"chainValid"`
}

func (s *Service) GetRetentionPolicy(ctx context.Context, session Session) (map[string]int, error) {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return nil, err
	}
	overrides, err := s.store.GetRetentionPolicy(ctx, session.CompanyID)
	if err != nil {
		return nil, err
	}
	// Effective view: defaults with overrides applied.
	effective := make(map[string]int, len(retention.DefaultPolicy))
	for class, days := range retention.DefaultPolicy {
		effective[class] = days
	}
	for class, days := range overrides {
		if days >= 1 {
			effective[class] = days
		}
	}
	return effective, nil
}

func (s *Service) SetRetentionPolicy(ctx context.Context, session Session, class string, days int) error {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return err
	}
	if !knownMessageClass(class) {
		return errValidation("unknown message class")
	}
	if days < 1 {
		return errValidation("retention days must be at least 1")
	}
	return s.store.UpsertRetentionPolicy(ctx, session.CompanyID, class, days)
}

func (s *Service) CreateLegalHold(ctx context.Context, session Session, input CreateLegalHoldInput) (store.LegalHold, error) {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return store.LegalHold{}, err
	}
	switch input.Scope {
	case "company":
	case "user":
		if input.TargetUserEmpid == "" {
			return store.LegalHold{}, errValidation("user scope requires targetUserEmpid")
		}
	case "conversation":
		if input.ConversationID == "" {
			return store.LegalHold{}, errValidation("conversation scope requires conversationId")
		}
	case "linked_entity":
		if input.LinkedEntityType == "" || input.LinkedEntityID == "" {
			return store.LegalHold{}, errValidation("linked_entity scope requires linkedEntityType and linkedEntityId")
		}
	default:
		return store.LegalHold{}, errValidation("scope must be company, user, conversation, or linked_entity")
	}

	hold := store.LegalHold{
		ID:               util.NewID("hold"),
		CompanyID:        session.CompanyID,
		Status:           "active",
		Scope:            input.Scope,
		TargetUserEmpid:  input.TargetUserEmpid,
		ConversationID:   input.ConversationID,
		LinkedEntityType: input.LinkedEntityType,
		LinkedEntityID:   input.LinkedEntityID,
		Reason:           strings.TrimSpace(input.Reason),
		CreatedBy:        session.Empid,
		StartsAt:         time.Now().UTC(),
	}
	if err := s.store.InsertLegalHold(ctx, hold); err != nil {
		return store.LegalHold{}, err
	}
	s.notifyHold(hold, "created", session.Empid, input.NotifyEmails)
	return hold, nil
}

func (s *Service) ReleaseLegalHold(ctx context.Context, session Session, holdID string, notifyEmails []string) error {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return err
	}
	holds, err := s.store.ListLegalHolds(ctx, session.CompanyID)
	if err != nil {
		return err
	}
	var hold store.LegalHold
	for _, h := range holds {
		if h.ID == holdID {
			hold = h
			break
		}
	}
	if hold.ID == "" {
		return errNotFound()
	}
	if hold.Status != "active" {
		return errValidation("hold is not active")
	}
	if err := s.store.ReleaseLegalHold(ctx, session.CompanyID, holdID, time.Now().UTC()); err != nil {
		return err
	}
	hold.Status = "released"
	s.notifyHold(hold, "released", session.Empid, notifyEmails)
	return nil
}

func (s *Service) ListLegalHolds(ctx context.Context, session Session) ([]store.LegalHold, error) {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return nil, err
	}
	return s.store.ListLegalHolds(ctx, session.CompanyID)
}

func (s *Service) notifyHold(hold store.LegalHold, action, actedBy string, to []string) {
	if s.notifier == nil || !s.notifier.IsConfigured() || len(to) == 0 {
		return
	}
	data := email.LegalHoldData{
		HoldID:  hold.ID,
		Scope:   hold.Scope,
		Reason:  hold.Reason,
		Action:  action,
		ActedBy: actedBy,
		ActedAt: time.Now().UTC(),
	}
	go func() {
		if err := s.notifier.SendLegalHoldNotice(to, data); err != nil {
			s.logger.Warn("legal hold notice failed", zap.String("hold_id", hold.ID), zap.Error(err))
		}
	}()
}

// BuildPurgePlan computes the reviewable plan for a company as of a point
// in time. The plan is never persisted; apply recomputes it.
func (s *Service) BuildPurgePlan(ctx context.Context, session Session, asOf time.Time) (retention.PurgePlan, error) {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return retention.PurgePlan{}, err
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	messages, err := s.store.ListMessagesForRetention(ctx, session.CompanyID)
	if err != nil {
		return retention.PurgePlan{}, err
	}
	policy, err := s.store.GetRetentionPolicy(ctx, session.CompanyID)
	if err != nil {
		return retention.PurgePlan{}, err
	}
	holds, err := s.store.ListLegalHolds(ctx, session.CompanyID)
	if err != nil {
		return retention.PurgePlan{}, err
	}
	return retention.BuildPurgePlan(session.CompanyID, messages, policy, holds, asOf)
}

// ApplyPurgePlan recomputes the plan, verifies approver signatures, and
// for a real run deletes candidates, writes the custody chain, issues the
// certificate, and archives it. The purge run row's primary key makes the
// run non-reentrant.
func (s *Service) ApplyPurgePlan(ctx context.Context, session Session, input ApplyPurgeInput) (ApplyPurgeResult, error) {
	plan, err := s.BuildPurgePlan(ctx, session, input.AsOf)
	if err != nil {
		return ApplyPurgeResult{}, err
	}

	var approvals []string
	if !input.DryRun {
		approvals, err = s.approvals.Verify(ctx, session.CompanyID, input.Signatures)
		if err != nil {
			return ApplyPurgeResult{}, err
		}
	}

	result, err := retention.ApplyPurgePlan(plan, input.DryRun, approvals, s.cfg.RequiredApprovals)
	if err != nil {
		return ApplyPurgeResult{}, err
	}
	if input.DryRun {
		return ApplyPurgeResult{Result: result}, nil
	}

	runID := "purge-" + uuid.NewString()
	startedAt := time.Now().UTC()
	if err := s.store.InsertPurgeRun(ctx, store.PurgeRun{
		ID:          runID,
		CompanyID:   session.CompanyID,
		Status:      "running",
		RequestedBy: session.Empid,
		DryRun:      false,
		StartedAt:   startedAt,
	}); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return ApplyPurgeResult{}, domainError(409, "PURGE_RUN_EXISTS", "purge run already applied", nil)
		}
		return ApplyPurgeResult{}, err
	}

	messageIDs := make([]string, 0, len(result.Actions))
	for _, action := range result.Actions {
		messageIDs = append(messageIDs, action.MessageID)
	}
	sort.Strings(messageIDs)

	deleted, err := s.store.HardDeleteMessages(ctx, session.CompanyID, messageIDs)
	if err != nil {
		return ApplyPurgeResult{}, fmt.Errorf("purge delete: %w", err)
	}

	records, tailHash := custody.BuildChain(runID, session.CompanyID, messageIDs)
	if err := s.store.InsertCustodyRecords(ctx, records); err != nil {
		return ApplyPurgeResult{}, fmt.Errorf("record custody chain: %w", err)
	}
	if err := s.store.CompletePurgeRun(ctx, runID, len(records), tailHash); err != nil {
		return ApplyPurgeResult{}, err
	}

	cert, err := custody.BuildDeletionCertificate(session.CompanyID, runID, len(records), tailHash, session.Empid, time.Now().UTC())
	if err != nil {
		return ApplyPurgeResult{}, err
	}
	if err := s.store.InsertDeletionCertificate(ctx, cert); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return ApplyPurgeResult{}, err
	}
	if s.archive != nil {
		if err := s.archive.AppendCertificate(cert, records); err != nil {
			// The certificate row is the durable copy; archiving retries on
			// the next run of the same certificate.
			s.logger.Warn("certificate archive failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	for _, id := range messageIDs {
		s.search.DeleteMessage(id)
		if s.blobs != nil {
			if err := s.blobs.RemoveMessage(ctx, session.CompanyID, id); err != nil {
				s.logger.Warn("attachment cleanup failed", zap.String("message_id", id), zap.Error(err))
			}
		}
	}

	s.notifyPurge(cert, input.NotifyEmails)
	return ApplyPurgeResult{RunID: runID, Result: result, Certificate: &cert, Deleted: deleted}, nil
}

func (s *Service) notifyPurge(cert store.DeletionCertificate, to []string) {
	if s.notifier == nil || !s.notifier.IsConfigured() || len(to) == 0 {
		return
	}
	data := email.PurgeCertificateData{
		PurgeRunID:        cert.PurgeRunID,
		ActionCount:       cert.ActionCount,
		ChainTailHash:     cert.ChainTailHash,
		CertificateDigest: cert.CertificateDigest,
		IssuedAt:          cert.IssuedAt,
		GeneratedBy:       cert.GeneratedBy,
	}
	go func() {
		if err := s.notifier.SendPurgeCertificate(to, data); err != nil {
			s.logger.Warn("purge certificate notice failed", zap.String("run_id", cert.PurgeRunID), zap.Error(err))
		}
	}()
}

func (s *Service) GetPurgeRun(ctx context.Context, session Session, runID string) (PurgeRunDetail, error) {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return PurgeRunDetail{}, err
	}
	run, err := s.store.GetPurgeRun(ctx, session.CompanyID, runID)
	if err != nil {
		return PurgeRunDetail{}, err
	}
	records, err := s.store.ListCustodyRecords(ctx, session.CompanyID, runID)
	if err != nil {
		return PurgeRunDetail{}, err
	}
	detail := PurgeRunDetail{Run: run, Records: records, ChainValid: custody.VerifyChain(records) == nil}
	if cert, err := s.store.GetDeletionCertificate(ctx, session.CompanyID, runID); err == nil {
		detail.Certificate = &cert
	}
	return detail, nil
}

func (s *Service) EnrollApprover(ctx context.Context, session Session, empid, displayName, passcode string) error {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return err
	}
	if strings.TrimSpace(empid) == "" {
		return errValidation("empid is required")
	}
	return s.approvals.Enroll(ctx, session.CompanyID, empid, displayName, passcode)
}

func (s *Service) UploadAttachment(ctx context.Context, session Session, messageID, fileName, contentType string, size int64, r io.Reader) (store.Attachment, error) {
	if s.blobs == nil {
		return store.Attachment{}, domainError(503, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	msg, err := s.store.GetMessage(ctx, session.CompanyID, messageID)
	if err != nil {
		return store.Attachment{}, err
	}
	if msg.DeletedAt != nil {
		return store.Attachment{}, errNotFound()
	}
	if err := s.require(ctx, session, rbac.ActionAttachmentUpload, rbac.Resource{CompanyID: session.CompanyID, LinkedEntityType: msg.LinkedType, LinkedEntityOwner: msg.AuthorEmpid}); err != nil {
		return store.Attachment{}, err
	}
	if size <= 0 || size > maxAttachmentSize {
		return store.Attachment{}, errValidation("attachment size out of range")
	}
	if fileName = strings.TrimSpace(fileName); fileName == "" {
		return store.Attachment{}, errValidation("fileName is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		CompanyID:   session.CompanyID,
		MessageID:   messageID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		UploadedBy:  session.Empid,
		CreatedAt:   time.Now().UTC(),
	}
	attachment.ObjectKey = fmt.Sprintf("company-%d/%s/%s", attachment.CompanyID, attachment.MessageID, attachment.ID)

	if err := s.blobs.Put(ctx, attachment.ObjectKey, r, size, contentType); err != nil {
		return store.Attachment{}, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		// The row is the source of truth; an object without one is
		// unreachable, so clean it up best-effort.
		if removeErr := s.blobs.Remove(ctx, attachment.ObjectKey); removeErr != nil {
			s.logger.Warn("remove orphaned attachment object",
				zap.String("object_key", attachment.ObjectKey), zap.Error(removeErr))
		}
		return store.Attachment{}, err
	}
	return attachment, nil
}

// ListAttachments returns the attachments of one message, scoped to the
// caller's company.
func (s *Service) ListAttachments(ctx context.Context, session Session, messageID string) ([]store.Attachment, error) {
	msg, err := s.store.GetMessage(ctx, session.CompanyID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.DeletedAt != nil {
		return nil, errNotFound()
	}
	if err := s.require(ctx, session, rbac.ActionAttachmentRead, rbac.Resource{CompanyID: session.CompanyID, LinkedEntityType: msg.LinkedType, LinkedEntityOwner: msg.AuthorEmpid}); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, session.CompanyID, messageID)
}

func (s *Service) DownloadAttachment(ctx context.Context, session Session, attachmentID string) (store.Attachment, io.ReadCloser, error) {
	if s.blobs == nil {
		return store.Attachment{}, nil, domainError(503, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	attachment, err := s.store.GetAttachment(ctx, session.CompanyID, attachmentID)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	msg, err := s.store.GetMessage(ctx, session.CompanyID, attachment.MessageID)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	if err := s.require(ctx, session, rbac.ActionAttachmentRead, rbac.Resource{CompanyID: session.CompanyID, LinkedEntityType: msg.LinkedType, LinkedEntityOwner: msg.AuthorEmpid}); err != nil {
		return store.Attachment{}, nil, err
	}
	body, contentType, err := s.blobs.Get(ctx, attachment.ObjectKey)
	if err != nil {
		// A row without its object means the blob store lost it;
		// surface as absence rather than a server fault.
		if blob.IsNotFound(err) {
			return store.Attachment{}, nil, errNotFound()
		}
		return store.Attachment{}, nil, err
	}
	if contentType != "" {
		attachment.ContentType = contentType
	}
	return attachment, body, nil
}

// ExportConversation renders an auditable transcript of one conversation
// bucket, including soft-deleted entries as redacted placeholders.
func (s *Service) ExportConversation(ctx context.Context, session Session, conversationID string, format export.Format) (*export.Result, error) {
	if err := s.require(ctx, session, rbac.ActionAdminExport, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(503, "EXPORT_UNAVAILABLE", "Transcript export not configured", nil)
	}

	messages, err := s.store.ListMessagesForRetention(ctx, session.CompanyID)
	if err != nil {
		return nil, err
	}
	live := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.DeletedAt == nil {
			live = append(live, msg)
		}
	}
	projector := conversation.NewProjector(live)

	title := "General"
	entries := make([]export.Entry, 0)
	for _, msg := range messages {
		bucket := conversation.GeneralBucketID
		if msg.ConversationID != "" {
			bucket = msg.ConversationID
		} else if msg.ParentMessageID != "" || msg.LinkedType != "" || msg.Topic != "" || msg.VisibilityScope == conversation.ScopePrivate {
			bucket = projector.RootOf(msg.ID)
		}
		if bucket != conversationID {
			continue
		}
		if msg.Topic != "" && title == "General" {
			title = msg.Topic
		}
		entries = append(entries, export.Entry{
			MessageID:  msg.ID,
			Author:     msg.AuthorEmpid,
			Body:       msg.Body,
			Topic:      msg.Topic,
			Recipients: msg.Recipients,
			SentAt:     msg.CreatedAt,
			Deleted:    msg.DeletedAt != nil,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SentAt.Before(entries[j].SentAt) })

	if len(entries) == 0 && conversationID != conversation.GeneralBucketID {
		return nil, errNotFound()
	}

	result, err := s.exporter.Export(ctx, export.Transcript{
		ConversationID: conversationID,
		Title:          title,
		CompanyID:      session.CompanyID,
		GeneratedBy:    session.Empid,
		GeneratedAt:    time.Now().UTC(),
		Entries:        entries,
	}, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(503, "EXPORT_UNAVAILABLE", err.Error(), nil)
		}
		if errors.Is(err, export.ErrEmptyTranscript) {
			return nil, errValidation("conversation has no messages to export")
		}
		return nil, err
	}
	return result, nil
}
