package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"parley/api/internal/approval"
	"parley/api/internal/config"
	"parley/api/internal/rbac"
	"parley/api/internal/search"
	"parley/api/internal/store"
)

type fakeStore struct {
	insertMessageFn           func(context.Context, store.Message) error
	getMessageFn              func(context.Context, int64, string) (store.Message, error)
	listMessagesFn            func(context.Context, int64, int) ([]store.Message, error)
	listMessagesRetentionFn   func(context.Context, int64) ([]store.Message, error)
	softDeleteMessageFn       func(context.Context, int64, string, string) error
	hardDeleteMessagesFn      func(context.Context, int64, []string) (int, error)
	insertIdempotencyFn       func(context.Context, store.IdempotencyRecord) error
	getIdempotentMessageFn    func(context.Context, int64, string, string) (store.Message, error)
	listLegalHoldsFn          func(context.Context, int64) ([]store.LegalHold, error)
	getRetentionPolicyFn      func(context.Context, int64) (map[string]int, error)
	listPermissionRulesFn     func(context.Context, int64) ([]store.PermissionRule, error)
	insertPurgeRunFn          func(context.Context, store.PurgeRun) error
	completePurgeRunFn        func(context.Context, string, int, string) error
	insertCustodyRecordsFn    func(context.Context, []store.CustodyRecord) error
	insertDeletionCertFn      func(context.Context, store.DeletionCertificate) error
	insertAttachmentFn        func(context.Context, store.Attachment) error
	listAttachmentsFn         func(context.Context, int64, string) ([]store.Attachment, error)
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg store.Message) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, msg)
	}
	return nil
}
func (f *fakeStore) GetMessage(ctx context.Context, companyID int64, id string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, companyID, id)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) ListMessages(ctx context.Context, companyID int64, limit int) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, companyID, limit)
	}
	return nil, nil
}
func (f *fakeStore) ListMessagesForRetention(ctx context.Context, companyID int64) ([]store.Message, error) {
	if f.listMessagesRetentionFn != nil {
		return f.listMessagesRetentionFn(ctx, companyID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateMessageBody(context.Context, int64, string, string) error { return nil }
func (f *fakeStore) SoftDeleteMessage(ctx context.Context, companyID int64, id, by string) error {
	if f.softDeleteMessageFn != nil {
		return f.softDeleteMessageFn(ctx, companyID, id, by)
	}
	return nil
}
func (f *fakeStore) HardDeleteMessages(ctx context.Context, companyID int64, ids []string) (int, error) {
	if f.hardDeleteMessagesFn != nil {
		return f.hardDeleteMessagesFn(ctx, companyID, ids)
	}
	return len(ids), nil
}
func (f *fakeStore) InsertIdempotencyRecord(ctx context.Context, rec store.IdempotencyRecord) error {
	if f.insertIdempotencyFn != nil {
		return f.insertIdempotencyFn(ctx, rec)
	}
	return nil
}
func (f *fakeStore) GetIdempotentMessage(ctx context.Context, companyID int64, empid, key string) (store.Message, error) {
	if f.getIdempotentMessageFn != nil {
		return f.getIdempotentMessageFn(ctx, companyID, empid, key)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) InsertLegalHold(context.Context, store.LegalHold) error { return nil }
func (f *fakeStore) ReleaseLegalHold(context.Context, int64, string, time.Time) error {
	return nil
}
func (f *fakeStore) ListLegalHolds(ctx context.Context, companyID int64) ([]store.LegalHold, error) {
	if f.listLegalHoldsFn != nil {
		return f.listLegalHoldsFn(ctx, companyID)
	}
	return nil, nil
}
func (f *fakeStore) GetRetentionPolicy(ctx context.Context, companyID int64) (map[string]int, error) {
	if f.getRetentionPolicyFn != nil {
		return f.getRetentionPolicyFn(ctx, companyID)
	}
	return map[string]int{}, nil
}
func (f *fakeStore) UpsertRetentionPolicy(context.Context, int64, string, int) error { return nil }
func (f *fakeStore) ListPermissionRules(ctx context.Context, companyID int64) ([]store.PermissionRule, error) {
	if f.listPermissionRulesFn != nil {
		return f.listPermissionRulesFn(ctx, companyID)
	}
	return nil, nil
}
func (f *fakeStore) InsertPermissionRule(context.Context, store.PermissionRule) error { return nil }
func (f *fakeStore) InsertPurgeRun(ctx context.Context, run store.PurgeRun) error {
	if f.insertPurgeRunFn != nil {
		return f.insertPurgeRunFn(ctx, run)
	}
	return nil
}
func (f *fakeStore) CompletePurgeRun(ctx context.Context, runID string, count int, tail string) error {
	if f.completePurgeRunFn != nil {
		return f.completePurgeRunFn(ctx, runID, count, tail)
	}
	return nil
}
func (f *fakeStore) GetPurgeRun(context.Context, int64, string) (store.PurgeRun, error) {
	return store.PurgeRun{}, sql.ErrNoRows
}
func (f *fakeStore) InsertCustodyRecords(ctx context.Context, records []store.CustodyRecord) error {
	if f.insertCustodyRecordsFn != nil {
		return f.insertCustodyRecordsFn(ctx, records)
	}
	return nil
}
func (f *fakeStore) ListCustodyRecords(context.Context, int64, string) ([]store.CustodyRecord, error) {
	return nil, nil
}
func (f *fakeStore) InsertDeletionCertificate(ctx context.Context, cert store.DeletionCertificate) error {
	if f.insertDeletionCertFn != nil {
		return f.insertDeletionCertFn(ctx, cert)
	}
	return nil
}
func (f *fakeStore) GetDeletionCertificate(context.Context, int64, string) (store.DeletionCertificate, error) {
	return store.DeletionCertificate{}, sql.ErrNoRows
}
func (f *fakeStore) InsertAttachment(ctx context.Context, attachment store.Attachment) error {
	if f.insertAttachmentFn != nil {
		return f.insertAttachmentFn(ctx, attachment)
	}
	return nil
}
func (f *fakeStore) GetAttachment(context.Context, int64, string) (store.Attachment, error) {
	return store.Attachment{}, sql.ErrNoRows
}
func (f *fakeStore) ListAttachments(ctx context.Context, companyID int64, messageID string) ([]store.Attachment, error) {
	if f.listAttachmentsFn != nil {
		return f.listAttachmentsFn(ctx, companyID, messageID)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	memberships map[string]store.Membership
}

func (f *fakeSessions) Resolve(_ context.Context, empid string, companyID int64) (store.Membership, bool, error) {
	m, ok := f.memberships[fmt.Sprintf("%s|%d", empid, companyID)]
	return m, ok, nil
}

type emittedEvent struct {
	companyID int64
	name      string
	payload   any
}

type fakeHub struct {
	events []emittedEvent
}

func (f *fakeHub) Emit(companyID int64, event string, payload any) {
	f.events = append(f.events, emittedEvent{companyID: companyID, name: event, payload: payload})
}

type fakePresence struct {
	online []string
}

func (f *fakePresence) List(int64) []string { return f.online }

type fakeSearch struct {
	indexed   []search.MessageRecord
	deleted   []string
	reindexed []int64
}

func (f *fakeSearch) Search(search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}
func (f *fakeSearch) IndexMessage(record search.MessageRecord) {
	f.indexed = append(f.indexed, record)
}
func (f *fakeSearch) DeleteMessage(id string) { f.deleted = append(f.deleted, id) }
func (f *fakeSearch) ReindexCompany(_ context.Context, companyID int64) error {
	f.reindexed = append(f.reindexed, companyID)
	return nil
}

type fakeApprovals struct {
	verifyFn func(context.Context, int64, []approval.Signature) ([]string, error)
}

func (f *fakeApprovals) Verify(ctx context.Context, companyID int64, sigs []approval.Signature) ([]string, error) {
	if f.verifyFn != nil {
		return f.verifyFn(ctx, companyID, sigs)
	}
	empids := make([]string, 0, len(sigs))
	seen := map[string]bool{}
	for _, sig := range sigs {
		if !seen[sig.Empid] {
			seen[sig.Empid] = true
			empids = append(empids, sig.Empid)
		}
	}
	return empids, nil
}
func (f *fakeApprovals) Enroll(context.Context, int64, string, string, string) error { return nil }

type fakeArchive struct {
	appended []store.DeletionCertificate
}

func (f *fakeArchive) AppendCertificate(cert store.DeletionCertificate, _ []store.CustodyRecord) error {
	f.appended = append(f.appended, cert)
	return nil
}

type testEnv struct {
	service   *Service
	store     *fakeStore
	hub       *fakeHub
	search    *fakeSearch
	archive   *fakeArchive
	approvals *fakeApprovals
}

func newTestEnv(fs *fakeStore) *testEnv {
	if fs == nil {
		fs = &fakeStore{}
	}
	sessions := &fakeSessions{memberships: map[string]store.Membership{
		"emp-staff|1":  {Empid: "emp-staff", CompanyID: 1, DisplayName: "Staff One", Role: "staff"},
		"emp-other|1":  {Empid: "emp-other", CompanyID: 1, DisplayName: "Staff Two", Role: "staff"},
		"emp-admin|1":  {Empid: "emp-admin", CompanyID: 1, DisplayName: "Admin", Role: "admin"},
		"emp-rival|2":  {Empid: "emp-rival", CompanyID: 2, DisplayName: "Rival", Role: "staff"},
		"emp-extern|1": {Empid: "emp-extern", CompanyID: 1, DisplayName: "Extern", Role: "external"},
	}}
	env := &testEnv{
		store:     fs,
		hub:       &fakeHub{},
		search:    &fakeSearch{},
		archive:   &fakeArchive{},
		approvals: &fakeApprovals{},
	}
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, RequiredApprovals: 2}
	env.service = New(cfg, zap.NewNop(), Deps{
		Store:     fs,
		Sessions:  sessions,
		Hub:       env.hub,
		Presence:  &fakePresence{online: []string{"emp-staff"}},
		Search:    env.search,
		Approvals: env.approvals,
		Archive:   env.archive,
	})
	return env
}

func (e *testEnv) login(t *testing.T, empid string, companyID int64) Session {
	t.Helper()
	session, err := e.service.Login(context.Background(), empid, companyID)
	if err != nil {
		t.Fatalf("login %s: %v", empid, err)
	}
	return session
}

func TestLoginUnknownMembershipForbidden(t *testing.T) {
	env := newTestEnv(nil)
	_, err := env.service.Login(context.Background(), "emp-ghost", 1)
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestPostMessageIdempotentReplay(t *testing.T) {
	var inserted []store.Message
	idempotency := map[string]string{}
	fs := &fakeStore{}
	fs.insertMessageFn = func(_ context.Context, msg store.Message) error {
		inserted = append(inserted, msg)
		return nil
	}
	fs.insertIdempotencyFn = func(_ context.Context, rec store.IdempotencyRecord) error {
		key := fmt.Sprintf("%d|%s|%s", rec.CompanyID, rec.Empid, rec.IdempotencyKey)
		if _, exists := idempotency[key]; exists {
			return store.ErrDuplicateKey
		}
		idempotency[key] = rec.MessageID
		return nil
	}
	fs.getIdempotentMessageFn = func(_ context.Context, companyID int64, empid, key string) (store.Message, error) {
		id, ok := idempotency[fmt.Sprintf("%d|%s|%s", companyID, empid, key)]
		if !ok {
			return store.Message{}, sql.ErrNoRows
		}
		for _, msg := range inserted {
			if msg.ID == id {
				return msg, nil
			}
		}
		return store.Message{}, sql.ErrNoRows
	}

	env := newTestEnv(fs)
	session := env.login(t, "emp-staff", 1)
	input := PostMessageInput{Body: "hello", IdempotencyKey: "key-1"}

	first, err := env.service.PostMessage(context.Background(), session, input)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	if first.IdempotentReplay {
		t.Error("first post flagged as replay")
	}

	second, err := env.service.PostMessage(context.Background(), session, input)
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	if !second.IdempotentReplay {
		t.Error("second post not flagged as replay")
	}
	if second.Message.ID != first.Message.ID {
		t.Errorf("replay returned %s, want %s", second.Message.ID, first.Message.ID)
	}
	if len(idempotency) != 1 {
		t.Errorf("idempotency rows = %d, want 1", len(idempotency))
	}
}

func TestPostMessageDuplicateKeyRaceIsBenign(t *testing.T) {
	winner := store.Message{ID: "msg-winner", CompanyID: 1, AuthorEmpid: "emp-staff", Body: "raced"}
	calls := 0
	fs := &fakeStore{}
	fs.getIdempotentMessageFn = func(context.Context, int64, string, string) (store.Message, error) {
		calls++
		if calls == 1 {
			// Pre-insert check sees nothing; the concurrent writer lands
			// between this check and our mapping insert.
			return store.Message{}, sql.ErrNoRows
		}
		return winner, nil
	}
	fs.insertIdempotencyFn = func(context.Context, store.IdempotencyRecord) error {
		return store.ErrDuplicateKey
	}

	env := newTestEnv(fs)
	session := env.login(t, "emp-staff", 1)
	result, err := env.service.PostMessage(context.Background(), session, PostMessageInput{Body: "mine", IdempotencyKey: "key-race"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !result.IdempotentReplay {
		t.Error("race resolution not flagged as replay")
	}
	if result.Message.ID != "msg-winner" {
		t.Errorf("got %s, want the concurrent writer's message", result.Message.ID)
	}
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestEnv(nil)
	session := env.login(t, "emp-staff", 1)

	cases := []struct {
		name  string
		input PostMessageInput
	}{
		{"empty body", PostMessageInput{Body: "  "}},
		{"unknown class", PostMessageInput{Body: "hi", MessageClass: "secret"}},
		{"bad scope", PostMessageInput{Body: "hi", VisibilityScope: "team"}},
	}
	for _, tc := range cases {
		_, err := env.service.PostMessage(context.Background(), session, tc.input)
		var domainErr *DomainError
		if !asDomainError(err, &domainErr) || domainErr.Status != 422 {
			t.Errorf("%s: expected 422 validation error, got %v", tc.name, err)
		}
	}
}

func TestPostMessageReplyDefaultsRecipients(t *testing.T) {
	root := store.Message{
		ID: "msg-root", CompanyID: 1, AuthorEmpid: "emp-other",
		Recipients: []string{"emp-staff", "emp-third"}, Body: "root",
	}
	var posted store.Message
	fs := &fakeStore{}
	fs.getMessageFn = func(_ context.Context, companyID int64, id string) (store.Message, error) {
		if companyID == 1 && id == "msg-root" {
			return root, nil
		}
		return store.Message{}, sql.ErrNoRows
	}
	fs.insertMessageFn = func(_ context.Context, msg store.Message) error {
		posted = msg
		return nil
	}

	env := newTestEnv(fs)
	session := env.login(t, "emp-staff", 1)
	_, err := env.service.PostMessage(context.Background(), session, PostMessageInput{
		Body: "reply", ParentMessageID: "msg-root",
	})
	if err != nil {
		t.Fatalf("post reply: %v", err)
	}
	want := []string{"emp-other", "emp-third"}
	if len(posted.Recipients) != len(want) {
		t.Fatalf("recipients = %v, want %v", posted.Recipients, want)
	}
	for i, r := range want {
		if posted.Recipients[i] != r {
			t.Errorf("recipients = %v, want %v", posted.Recipients, want)
			break
		}
	}
}

func TestPostMessageReplyNonParticipantForbidden(t *testing.T) {
	root := store.Message{ID: "msg-root", CompanyID: 1, AuthorEmpid: "emp-other", Recipients: []string{"emp-third"}}
	fs := &fakeStore{}
	fs.getMessageFn = func(_ context.Context, companyID int64, id string) (store.Message, error) {
		if companyID == 1 && id == "msg-root" {
			return root, nil
		}
		return store.Message{}, sql.ErrNoRows
	}

	env := newTestEnv(fs)
	staff := env.login(t, "emp-staff", 1)
	_, err := env.service.PostMessage(context.Background(), staff, PostMessageInput{Body: "hi", ParentMessageID: "msg-root"})
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected forbidden for non-participant, got %v", err)
	}

	admin := env.login(t, "emp-admin", 1)
	if _, err := env.service.PostMessage(context.Background(), admin, PostMessageInput{Body: "hi", ParentMessageID: "msg-root"}); err != nil {
		t.Fatalf("moderator reply should pass: %v", err)
	}
}

func TestPostMessageEmitsAndIndexes(t *testing.T) {
	env := newTestEnv(nil)
	session := env.login(t, "emp-staff", 1)
	if _, err := env.service.PostMessage(context.Background(), session, PostMessageInput{Body: "hello"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(env.hub.events) != 1 || env.hub.events[0].name != "message.created" {
		t.Errorf("events = %+v, want one message.created", env.hub.events)
	}
	if len(env.search.indexed) != 1 {
		t.Errorf("indexed = %d, want 1", len(env.search.indexed))
	}
}

func TestDeleteMessageTenantIsolationIsNotFound(t *testing.T) {
	// The message exists under company 1; company 2's scoped fetch must
	// come back empty, so the caller sees NOT_FOUND rather than FORBIDDEN.
	fs := &fakeStore{}
	fs.getMessageFn = func(_ context.Context, companyID int64, id string) (store.Message, error) {
		if companyID == 1 && id == "msg-1" {
			return store.Message{ID: "msg-1", CompanyID: 1, AuthorEmpid: "emp-staff"}, nil
		}
		return store.Message{}, sql.ErrNoRows
	}

	env := newTestEnv(fs)
	rival := env.login(t, "emp-rival", 2)
	err := env.service.DeleteMessage(context.Background(), rival, "msg-1")
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Fatalf("cross-tenant delete mapped to %d %s, want 404 NOT_FOUND", status, code)
	}
}

func TestDeleteMessageAuthorOrModerator(t *testing.T) {
	deleted := []string{}
	fs := &fakeStore{}
	fs.getMessageFn = func(context.Context, int64, string) (store.Message, error) {
		return store.Message{ID: "msg-1", CompanyID: 1, AuthorEmpid: "emp-staff"}, nil
	}
	fs.softDeleteMessageFn = func(_ context.Context, _ int64, id, _ string) error {
		deleted = append(deleted, id)
		return nil
	}

	env := newTestEnv(fs)
	other := env.login(t, "emp-other", 1)
	err := env.service.DeleteMessage(context.Background(), other, "msg-1")
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("non-author delete: expected 403, got %v", err)
	}

	admin := env.login(t, "emp-admin", 1)
	if err := env.service.DeleteMessage(context.Background(), admin, "msg-1"); err != nil {
		t.Fatalf("moderator delete: %v", err)
	}
	if len(deleted) != 1 {
		t.Errorf("soft deletes = %d, want 1", len(deleted))
	}
	if len(env.search.deleted) != 1 || env.search.deleted[0] != "msg-1" {
		t.Errorf("search deletions = %v, want [msg-1]", env.search.deleted)
	}
}

func TestGetMessagesProjectsGeneralFirstAndFiltersPrivate(t *testing.T) {
	now := time.Now().UTC()
	messages := []store.Message{
		{ID: "m-open", CompanyID: 1, AuthorEmpid: "emp-other", Body: "company wide", VisibilityScope: "company", CreatedAt: now.Add(-2 * time.Hour), MessageClass: "general"},
		{ID: "m-priv", CompanyID: 1, AuthorEmpid: "emp-other", Body: "between us", VisibilityScope: "private", Recipients: []string{"emp-third"}, Topic: "secret", CreatedAt: now.Add(-time.Hour), MessageClass: "general"},
	}
	fs := &fakeStore{}
	fs.listMessagesFn = func(context.Context, int64, int) ([]store.Message, error) {
		return messages, nil
	}

	env := newTestEnv(fs)
	staff := env.login(t, "emp-staff", 1)
	payload, err := env.service.GetMessages(context.Background(), staff, 50)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(payload.Conversations) == 0 || !payload.Conversations[0].IsGeneral {
		t.Fatalf("general bucket not first: %+v", payload.Conversations)
	}
	for _, conv := range payload.Conversations {
		if conv.Title == "secret" {
			t.Error("private thread leaked to non-participant")
		}
	}
	for _, msg := range payload.Messages {
		if msg.ID == "m-priv" {
			t.Error("private message leaked to non-participant")
		}
	}
	if len(payload.Presence) != 1 || payload.Presence[0] != "emp-staff" {
		t.Errorf("presence = %v", payload.Presence)
	}

	admin := env.login(t, "emp-admin", 1)
	adminView, err := env.service.GetMessages(context.Background(), admin, 50)
	if err != nil {
		t.Fatalf("moderator get messages: %v", err)
	}
	found := false
	for _, msg := range adminView.Messages {
		if msg.ID == "m-priv" {
			found = true
		}
	}
	if !found {
		t.Error("moderator should see private messages")
	}
}

func TestEvaluatePermissionDenyRuleOverridesAllow(t *testing.T) {
	fs := &fakeStore{}
	fs.listPermissionRulesFn = func(context.Context, int64) ([]store.PermissionRule, error) {
		return []store.PermissionRule{
			{ID: "rule-allow", CompanyID: 1, Effect: "allow", Actions: []string{"message:delete"}, Scope: map[string]string{"company": "same"}},
			{ID: "rule-deny", CompanyID: 1, Effect: "deny", Actions: []string{"message:delete"}, Scope: map[string]string{"company": "same"}},
		}, nil
	}

	env := newTestEnv(fs)
	session := env.login(t, "emp-admin", 1)
	decision, err := env.service.EvaluateMessagingPermission(context.Background(), session, rbac.ActionMessageDelete, rbac.Resource{CompanyID: session.CompanyID})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Allowed {
		t.Fatal("deny rule did not override allow rule")
	}
	if decision.Reason != "RULE_DENY" || decision.RuleID != "rule-deny" {
		t.Errorf("decision = %+v, want RULE_DENY by rule-deny", decision)
	}
}

func TestExternalRoleCannotModerate(t *testing.T) {
	env := newTestEnv(nil)
	extern := env.login(t, "emp-extern", 1)
	if extern.Moderator {
		t.Fatal("external session marked moderator")
	}
	_, err := env.service.BuildPurgePlan(context.Background(), extern, time.Time{})
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func asDomainError(err error, target **DomainError) bool {
	return errors.As(err, target)
}
