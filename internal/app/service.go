package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parley/api/internal/auth"
	"parley/api/internal/config"
	"parley/api/internal/conversation"
	"parley/api/internal/rbac"
	"parley/api/internal/realtime"
	"parley/api/internal/search"
	"parley/api/internal/store"
	"parley/api/internal/util"
)

const (
	maxBodyLen     = 4000
	maxListLimit   = 200
	defaultListLen = 100
)

// Session is a resolved caller: token claims joined with the tenant
// membership the token was issued against.
type Session struct {
	Token     string
	Empid     string
	CompanyID int64
	Name      string
	Role      string
	JTI       string
	ExpiresAt time.Time

	Departments []string
	Projects    []string
	Moderator   bool
}

type PostMessageInput struct {
	Body            string   `json:"body"`
	Topic           string   `json:"topic"`
	ParentMessageID string   `json:"parentMessageId"`
	ConversationID  string   `json:"conversationId"`
	LinkedType      string   `json:"linkedType"`
	LinkedID        string   `json:"linkedId"`
	MessageClass    string   `json:"messageClass"`
	VisibilityScope string   `json:"visibilityScope"`
	Recipients      []string `json:"recipients"`
	IdempotencyKey  string   `json:"idempotencyKey"`
}

// MessagePayload is the wire shape of one message.
type MessagePayload struct {
	ID              string   `json:"id"`
	CompanyID       int64    `json:"companyId"`
	AuthorEmpid     string   `json:"authorEmpid"`
	ParentMessageID string   `json:"parentMessageId,omitempty"`
	ConversationID  string   `json:"conversationId,omitempty"`
	LinkedType      string   `json:"linkedType,omitempty"`
	LinkedID        string   `json:"linkedId,omitempty"`
	Body            string   `json:"body"`
	Topic           string   `json:"topic,omitempty"`
	MessageClass    string   `json:"messageClass"`
	VisibilityScope string   `json:"visibilityScope"`
	Recipients      []string `json:"recipients"`
	CreatedAt       string   `json:"createdAt"`
	UpdatedAt       string   `json:"updatedAt"`
	Deleted         bool     `json:"deleted"`
}

type PostMessageResult struct {
	Message          MessagePayload `json:"message"`
	IdempotentReplay bool           `json:"idempotentReplay"`
}

// InboxPayload is the read-path envelope: who is online, the projected
// conversation list, and the viewer-filtered flat message list.
type InboxPayload struct {
	Presence      []string                    `json:"presence"`
	Conversations []conversation.Conversation `json:"conversations"`
	Messages      []MessagePayload            `json:"messages"`
}

type dataStore interface {
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, int64, string) (store.Message, error)
	ListMessages(context.Context, int64, int) ([]store.Message, error)
	ListMessagesForRetention(context.Context, int64) ([]store.Message, error)
	UpdateMessageBody(context.Context, int64, string, string) error
	SoftDeleteMessage(context.Context, int64, string, string) error
	HardDeleteMessages(context.Context, int64, []string) (int, error)
	InsertIdempotencyRecord(context.Context, store.IdempotencyRecord) error
	GetIdempotentMessage(context.Context, int64, string, string) (store.Message, error)
	InsertLegalHold(context.Context, store.LegalHold) error
	ReleaseLegalHold(context.Context, int64, string, time.Time) error
	ListLegalHolds(context.Context, int64) ([]store.LegalHold, error)
	GetRetentionPolicy(context.Context, int64) (map[string]int, error)
	UpsertRetentionPolicy(context.Context, int64, string, int) error
	ListPermissionRules(context.Context, int64) ([]store.PermissionRule, error)
	InsertPermissionRule(context.Context, store.PermissionRule) error
	InsertPurgeRun(context.Context, store.PurgeRun) error
	CompletePurgeRun(context.Context, string, int, string) error
	GetPurgeRun(context.Context, int64, string) (store.PurgeRun, error)
	InsertCustodyRecords(context.Context, []store.CustodyRecord) error
	ListCustodyRecords(context.Context, int64, string) ([]store.CustodyRecord, error)
	InsertDeletionCertificate(context.Context, store.DeletionCertificate) error
	GetDeletionCertificate(context.Context, int64, string) (store.DeletionCertificate, error)
	InsertAttachment(context.Context, store.Attachment) error
	GetAttachment(context.Context, int64, string) (store.Attachment, error)
	ListAttachments(context.Context, int64, string) ([]store.Attachment, error)
	Ping(ctx context.Context) error
}

type sessionResolver interface {
	Resolve(ctx context.Context, empid string, companyID int64) (store.Membership, bool, error)
}

type eventEmitter interface {
	Emit(companyID int64, event string, payload any)
}

type presenceSource interface {
	List(companyID int64) []string
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexMessage(record search.MessageRecord)
	DeleteMessage(id string)
	ReindexCompany(ctx context.Context, companyID int64) error
}

type Service struct {
	cfg      config.Config
	logger   *zap.Logger
	store    dataStore
	sessions sessionResolver
	hub      eventEmitter
	presence presenceSource
	search   searchIndex

	// compliance collaborators, see service_compliance.go
	approvals approvalVerifier
	archive   certificateArchive
	notifier  complianceNotifier
	blobs     attachmentStore
	exporter  transcriptExporter
}

type Deps struct {
	Store     dataStore
	Sessions  sessionResolver
	Hub       eventEmitter
	Presence  presenceSource
	Search    searchIndex
	Approvals approvalVerifier
	Archive   certificateArchive
	Notifier  complianceNotifier
	Blobs     attachmentStore
	Exporter  transcriptExporter
}

func New(cfg config.Config, logger *zap.Logger, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		logger:    logger,
		store:     deps.Store,
		sessions:  deps.Sessions,
		hub:       deps.Hub,
		presence:  deps.Presence,
		search:    deps.Search,
		approvals: deps.Approvals,
		archive:   deps.Archive,
		notifier:  deps.Notifier,
		blobs:     deps.Blobs,
		exporter:  deps.Exporter,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login resolves a tenant membership and issues an access token for it.
// An empid with no membership in the company cannot log in.
func (s *Service) Login(ctx context.Context, empid string, companyID int64) (Session, error) {
	empid = strings.TrimSpace(empid)
	if empid == "" || companyID == 0 {
		return Session{}, errValidation("empid and companyId are required")
	}
	membership, ok, err := s.sessions.Resolve(ctx, empid, companyID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, errForbidden(nil)
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	claims := auth.Claims{
		Empid:   membership.Empid,
		Company: membership.CompanyID,
		Name:    membership.DisplayName,
		Role:    membership.Role,
		JTI:     uuid.NewString(),
		Exp:     expiresAt.Unix(),
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return s.sessionFor(token, claims, membership, expiresAt), nil
}

// SessionFromToken parses a token and re-resolves its membership, so a
// revoked membership invalidates outstanding tokens at the cache TTL.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	membership, ok, err := s.sessions.Resolve(ctx, claims.Empid, claims.Company)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, errForbidden(nil)
	}
	return s.sessionFor(token, claims, membership, time.Unix(claims.Exp, 0)), nil
}

func (s *Service) sessionFor(token string, claims auth.Claims, membership store.Membership, expiresAt time.Time) Session {
	session := Session{
		Token:       token,
		Empid:       membership.Empid,
		CompanyID:   membership.CompanyID,
		Name:        membership.DisplayName,
		Role:        membership.Role,
		JTI:         claims.JTI,
		ExpiresAt:   expiresAt,
		Departments: membership.Departments,
		Projects:    membership.Projects,
	}
	decision := rbac.Evaluate(
		rbac.Normalize(session.Role),
		rbac.ActionAdminModerate,
		actorFor(session),
		rbac.Resource{CompanyID: session.CompanyID},
		nil,
	)
	session.Moderator = decision.Allowed
	return session
}

func actorFor(session Session) rbac.Actor {
	return rbac.Actor{
		Empid:       session.Empid,
		CompanyID:   session.CompanyID,
		Departments: session.Departments,
		Projects:    session.Projects,
	}
}

// EvaluateMessagingPermission runs the permission engine for a session,
// folding the tenant's stored rule overrides into the policy.
func (s *Service) EvaluateMessagingPermission(ctx context.Context, session Session, action rbac.Action, resource rbac.Resource) (rbac.Decision, error) {
	rules, err := s.store.ListPermissionRules(ctx, session.CompanyID)
	if err != nil {
		return rbac.Decision{}, err
	}
	var policy *rbac.Policy
	if len(rules) > 0 {
		policy = &rbac.Policy{Rules: make([]rbac.Rule, 0, len(rules))}
		for _, rule := range rules {
			policy.Rules = append(policy.Rules, ruleFromStore(rule))
		}
	}
	return rbac.Evaluate(rbac.Normalize(session.Role), action, actorFor(session), resource, policy), nil
}

func ruleFromStore(rule store.PermissionRule) rbac.Rule {
	actions := make([]rbac.Action, 0, len(rule.Actions))
	for _, a := range rule.Actions {
		actions = append(actions, rbac.Action(a))
	}
	scope := rbac.Scope{
		Company:         rule.Scope["company"],
		Department:      rule.Scope["department"],
		Project:         rule.Scope["project"],
		LinkedOwnership: rule.Scope["linkedOwnership"],
	}
	if raw := strings.TrimSpace(rule.Scope["linkedTypes"]); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				scope.LinkedTypes = append(scope.LinkedTypes, t)
			}
		}
	}
	return rbac.Rule{ID: rule.ID, Effect: rbac.Effect(rule.Effect), Actions: actions, Scope: scope}
}

// require evaluates a permission and converts a denial into Forbidden.
// The decision reason travels in the error details for audit logging.
func (s *Service) require(ctx context.Context, session Session, action rbac.Action, resource rbac.Resource) error {
	decision, err := s.EvaluateMessagingPermission(ctx, session, action, resource)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		details := map[string]any{"reason": string(decision.Reason)}
		if decision.RuleID != "" {
			details["ruleId"] = decision.RuleID
		}
		return errForbidden(details)
	}
	return nil
}

func (s *Service) PostMessage(ctx context.Context, session Session, input PostMessageInput) (PostMessageResult, error) {
	action := rbac.ActionMessageCreate
	if input.ParentMessageID != "" {
		action = rbac.ActionMessageReply
	}
	resource := rbac.Resource{CompanyID: session.CompanyID, LinkedEntityType: input.LinkedType}
	if err := s.require(ctx, session, action, resource); err != nil {
		return PostMessageResult{}, err
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	if key != "" {
		existing, err := s.store.GetIdempotentMessage(ctx, session.CompanyID, session.Empid, key)
		if err == nil {
			return PostMessageResult{Message: messagePayload(existing), IdempotentReplay: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return PostMessageResult{}, err
		}
	}

	body := strings.TrimSpace(input.Body)
	if body == "" {
		return PostMessageResult{}, errValidation("body is required")
	}
	if len(body) > maxBodyLen {
		return PostMessageResult{}, errValidation("body exceeds maximum length")
	}
	class := input.MessageClass
	if class == "" {
		class = "general"
	}
	if !knownMessageClass(class) {
		return PostMessageResult{}, errValidation("unknown message class")
	}
	scope := input.VisibilityScope
	if scope == "" {
		scope = conversation.ScopeCompany
	}
	if scope != conversation.ScopeCompany && scope != conversation.ScopePrivate {
		return PostMessageResult{}, errValidation("visibilityScope must be company or private")
	}

	recipients := dedupeStrings(input.Recipients)
	if input.ParentMessageID != "" {
		participants, err := s.threadParticipants(ctx, session.CompanyID, input.ParentMessageID)
		if err != nil {
			return PostMessageResult{}, err
		}
		if _, ok := participants[session.Empid]; !ok && !session.Moderator {
			return PostMessageResult{}, errForbidden(map[string]any{"reason": "not a thread participant"})
		}
		if len(recipients) == 0 {
			for empid := range participants {
				if empid != session.Empid {
					recipients = append(recipients, empid)
				}
			}
			sort.Strings(recipients)
		}
	}

	now := time.Now().UTC()
	msg := store.Message{
		ID:              util.NewID("msg"),
		CompanyID:       session.CompanyID,
		AuthorEmpid:     session.Empid,
		ParentMessageID: input.ParentMessageID,
		ConversationID:  input.ConversationID,
		LinkedType:      input.LinkedType,
		LinkedID:        input.LinkedID,
		Body:            body,
		Topic:           strings.TrimSpace(input.Topic),
		MessageClass:    class,
		VisibilityScope: scope,
		Recipients:      recipients,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return PostMessageResult{}, err
	}

	if key != "" {
		err := s.store.InsertIdempotencyRecord(ctx, store.IdempotencyRecord{
			CompanyID:      session.CompanyID,
			Empid:          session.Empid,
			IdempotencyKey: key,
			MessageID:      msg.ID,
			CreatedAt:      now,
		})
		if errors.Is(err, store.ErrDuplicateKey) {
			// A concurrent retry won the key. Their row is the message of
			// record; ours stays orphaned rather than risking data loss.
			existing, readErr := s.store.GetIdempotentMessage(ctx, session.CompanyID, session.Empid, key)
			if readErr != nil {
				return PostMessageResult{}, readErr
			}
			return PostMessageResult{Message: messagePayload(existing), IdempotentReplay: true}, nil
		}
		if err != nil {
			return PostMessageResult{}, err
		}
	}

	payload := messagePayload(msg)
	s.hub.Emit(session.CompanyID, realtime.EventMessageCreated, payload)
	s.search.IndexMessage(searchRecord(msg))
	return PostMessageResult{Message: payload}, nil
}

// threadParticipants walks the parent chain to the root and unions authors
// and recipients. The walk is bounded and cycle-safe.
func (s *Service) threadParticipants(ctx context.Context, companyID int64, parentID string) (map[string]struct{}, error) {
	participants := make(map[string]struct{})
	visited := make(map[string]struct{})
	current := parentID
	for i := 0; current != "" && i < 64; i++ {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}

		msg, err := s.store.GetMessage(ctx, companyID, current)
		if errors.Is(err, sql.ErrNoRows) {
			if current == parentID {
				return nil, errNotFound()
			}
			break
		}
		if err != nil {
			return nil, err
		}
		if current == parentID && msg.DeletedAt != nil {
			return nil, errValidation("parent message is deleted")
		}
		participants[msg.AuthorEmpid] = struct{}{}
		for _, r := range msg.Recipients {
			participants[r] = struct{}{}
		}
		current = msg.ParentMessageID
	}
	return participants, nil
}

func (s *Service) GetMessages(ctx context.Context, session Session, limit int) (InboxPayload, error) {
	if err := s.require(ctx, session, rbac.ActionMessageRead, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return InboxPayload{}, err
	}
	if limit <= 0 {
		limit = defaultListLen
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	messages, err := s.store.ListMessages(ctx, session.CompanyID, 0)
	if err != nil {
		return InboxPayload{}, err
	}

	projector := conversation.NewProjector(messages)
	conversations := projector.Project(session.Empid, session.Moderator)

	visible := messages
	if !session.Moderator {
		visible = projector.FilterVisibleMessages(session.Empid)
	}
	if len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}

	payloads := make([]MessagePayload, 0, len(visible))
	for _, msg := range visible {
		payloads = append(payloads, messagePayload(msg))
	}

	return InboxPayload{
		Presence:      s.presence.List(session.CompanyID),
		Conversations: conversations,
		Messages:      payloads,
	}, nil
}

// DeleteMessage soft-deletes. The fetch is company-scoped, so a message
// belonging to another tenant is indistinguishable from a missing one.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string) error {
	msg, err := s.store.GetMessage(ctx, session.CompanyID, messageID)
	if err != nil {
		return err
	}
	if msg.DeletedAt != nil {
		return errNotFound()
	}
	if msg.AuthorEmpid != session.Empid && !session.Moderator {
		return errForbidden(nil)
	}
	if err := s.require(ctx, session, rbac.ActionMessageDelete, rbac.Resource{CompanyID: session.CompanyID, LinkedEntityType: msg.LinkedType, LinkedEntityOwner: msg.AuthorEmpid}); err != nil {
		return err
	}
	if err := s.store.SoftDeleteMessage(ctx, session.CompanyID, messageID, session.Empid); err != nil {
		return err
	}
	s.hub.Emit(session.CompanyID, realtime.EventMessageDeleted, map[string]any{"id": messageID, "deletedBy": session.Empid})
	s.search.DeleteMessage(messageID)
	return nil
}

// EditMessage replaces a live message's body. Author only; edits keep the
// message in place so thread structure never changes.
func (s *Service) EditMessage(ctx context.Context, session Session, messageID, body string) (MessagePayload, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxBodyLen {
		return MessagePayload{}, errValidation("body is required and bounded")
	}
	msg, err := s.store.GetMessage(ctx, session.CompanyID, messageID)
	if err != nil {
		return MessagePayload{}, err
	}
	if msg.DeletedAt != nil {
		return MessagePayload{}, errNotFound()
	}
	if msg.AuthorEmpid != session.Empid {
		return MessagePayload{}, errForbidden(nil)
	}
	if err := s.require(ctx, session, rbac.ActionMessageEdit, rbac.Resource{CompanyID: session.CompanyID, LinkedEntityOwner: msg.AuthorEmpid}); err != nil {
		return MessagePayload{}, err
	}
	if err := s.store.UpdateMessageBody(ctx, session.CompanyID, messageID, body); err != nil {
		return MessagePayload{}, err
	}
	msg.Body = body
	msg.UpdatedAt = time.Now().UTC()
	s.search.IndexMessage(searchRecord(msg))
	return messagePayload(msg), nil
}

func (s *Service) SearchMessages(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	if err := s.require(ctx, session, rbac.ActionMessageRead, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(search.Query{
		CompanyID:   session.CompanyID,
		ViewerEmpid: session.Empid,
		Moderator:   session.Moderator,
		Text:        text,
		Limit:       limit,
		Offset:      offset,
	}), nil
}

// ReindexSearch rebuilds the company's search index from Postgres,
// recovering from index drift after a Meilisearch outage.
func (s *Service) ReindexSearch(ctx context.Context, session Session) error {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return err
	}
	return s.search.ReindexCompany(ctx, session.CompanyID)
}

func (s *Service) CreatePermissionRule(ctx context.Context, session Session, effect string, actions []string, scope map[string]string) (store.PermissionRule, error) {
	if err := s.require(ctx, session, rbac.ActionAdminModerate, rbac.Resource{CompanyID: session.CompanyID}); err != nil {
		return store.PermissionRule{}, err
	}
	if effect != string(rbac.EffectAllow) && effect != string(rbac.EffectDeny) {
		return store.PermissionRule{}, errValidation("effect must be allow or deny")
	}
	if len(actions) == 0 {
		return store.PermissionRule{}, errValidation("at least one action is required")
	}
	rule := store.PermissionRule{
		ID:        util.NewID("rule"),
		CompanyID: session.CompanyID,
		Effect:    effect,
		Actions:   actions,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertPermissionRule(ctx, rule); err != nil {
		return store.PermissionRule{}, err
	}
	return rule, nil
}

func knownMessageClass(class string) bool {
	switch class {
	case "general", "financial", "hr_sensitive", "legal":
		return true
	}
	return false
}

func messagePayload(msg store.Message) MessagePayload {
	recipients := msg.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	return MessagePayload{
		ID:              msg.ID,
		CompanyID:       msg.CompanyID,
		AuthorEmpid:     msg.AuthorEmpid,
		ParentMessageID: msg.ParentMessageID,
		ConversationID:  msg.ConversationID,
		LinkedType:      msg.LinkedType,
		LinkedID:        msg.LinkedID,
		Body:            msg.Body,
		Topic:           msg.Topic,
		MessageClass:    msg.MessageClass,
		VisibilityScope: msg.VisibilityScope,
		Recipients:      recipients,
		CreatedAt:       msg.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       msg.UpdatedAt.UTC().Format(time.RFC3339),
		Deleted:         msg.DeletedAt != nil,
	}
}

func searchRecord(msg store.Message) search.MessageRecord {
	return search.MessageRecord{
		ID:              msg.ID,
		CompanyID:       msg.CompanyID,
		AuthorEmpid:     msg.AuthorEmpid,
		Body:            msg.Body,
		Topic:           msg.Topic,
		ConversationID:  msg.ConversationID,
		MessageClass:    msg.MessageClass,
		VisibilityScope: msg.VisibilityScope,
		Recipients:      msg.Recipients,
	}
}

func dedupeStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
