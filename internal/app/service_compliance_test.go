package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"parley/api/internal/approval"
	"parley/api/internal/custody"
	"parley/api/internal/retention"
	"parley/api/internal/store"
)

func purgeFixtureStore() (*fakeStore, *[]string, *[]store.CustodyRecord) {
	old := time.Now().UTC().Add(-400 * 24 * time.Hour)
	fresh := time.Now().UTC().Add(-time.Hour)
	messages := []store.Message{
		{ID: "m-expired", CompanyID: 1, AuthorEmpid: "emp-staff", Body: "old", MessageClass: "general", VisibilityScope: "company", CreatedAt: old, UpdatedAt: old},
		{ID: "m-fresh", CompanyID: 1, AuthorEmpid: "emp-staff", Body: "new", MessageClass: "general", VisibilityScope: "company", CreatedAt: fresh, UpdatedAt: fresh},
	}

	hardDeleted := &[]string{}
	recorded := &[]store.CustodyRecord{}
	fs := &fakeStore{}
	fs.listMessagesRetentionFn = func(context.Context, int64) ([]store.Message, error) {
		return messages, nil
	}
	fs.hardDeleteMessagesFn = func(_ context.Context, _ int64, ids []string) (int, error) {
		*hardDeleted = append(*hardDeleted, ids...)
		return len(ids), nil
	}
	fs.insertCustodyRecordsFn = func(_ context.Context, records []store.CustodyRecord) error {
		*recorded = append(*recorded, records...)
		return nil
	}
	return fs, hardDeleted, recorded
}

func TestBuildPurgePlanPartitionsAndBalances(t *testing.T) {
	fs, _, _ := purgeFixtureStore()
	env := newTestEnv(fs)
	admin := env.login(t, "emp-admin", 1)

	plan, err := env.service.BuildPurgePlan(context.Background(), admin, time.Now().UTC())
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if plan.Summary.CandidateCount != 1 || plan.Summary.SkippedCount != 1 {
		t.Fatalf("summary = %+v, want 1 candidate and 1 skip", plan.Summary)
	}
	if plan.Summary.CandidateCount+plan.Summary.SkippedCount != plan.Summary.Inspected {
		t.Error("summary does not balance")
	}
	if plan.Candidates[0].MessageID != "m-expired" {
		t.Errorf("candidate = %s, want m-expired", plan.Candidates[0].MessageID)
	}
	if plan.Skipped[0].Reason != "retained" {
		t.Errorf("skip reason = %s, want retained", plan.Skipped[0].Reason)
	}
}

func TestApplyPurgePlanDryRunSkipsGateAndStore(t *testing.T) {
	fs, hardDeleted, _ := purgeFixtureStore()
	fs.insertPurgeRunFn = func(context.Context, store.PurgeRun) error {
		panic("dry run must not persist a purge run")
	}
	env := newTestEnv(fs)
	admin := env.login(t, "emp-admin", 1)

	result, err := env.service.ApplyPurgePlan(context.Background(), admin, ApplyPurgeInput{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if result.RunID != "" {
		t.Error("dry run produced a run id")
	}
	if result.Result.ApprovalGateSatisfied != nil {
		t.Error("dry run gate must be nil")
	}
	for _, action := range result.Result.Actions {
		if action.Action != "would_delete" {
			t.Errorf("action = %s, want would_delete", action.Action)
		}
	}
	if len(*hardDeleted) != 0 {
		t.Errorf("dry run deleted rows: %v", *hardDeleted)
	}
}

func TestApplyPurgePlanApprovalGateBlocks(t *testing.T) {
	fs, hardDeleted, _ := purgeFixtureStore()
	env := newTestEnv(fs)
	admin := env.login(t, "emp-admin", 1)

	_, err := env.service.ApplyPurgePlan(context.Background(), admin, ApplyPurgeInput{
		Signatures: []approval.Signature{{Empid: "emp-a"}, {Empid: "emp-a"}},
	})
	var gateErr *retention.ApprovalGateError
	if !errors.As(err, &gateErr) {
		t.Fatalf("expected approval gate error, got %v", err)
	}
	if gateErr.Required != 2 || gateErr.Approvals != 1 {
		t.Errorf("gate = %+v, want required 2 approvals 1", gateErr)
	}
	if len(*hardDeleted) != 0 {
		t.Error("gated purge deleted rows")
	}
	status, code, _, details := mapError(err)
	if status != 409 || code != "APPROVAL_GATE" || details == nil {
		t.Errorf("gate mapped to %d %s", status, code)
	}
}

func TestApplyPurgePlanRealRun(t *testing.T) {
	fs, hardDeleted, recorded := purgeFixtureStore()
	env := newTestEnv(fs)
	admin := env.login(t, "emp-admin", 1)

	result, err := env.service.ApplyPurgePlan(context.Background(), admin, ApplyPurgeInput{
		Signatures: []approval.Signature{{Empid: "emp-a"}, {Empid: "emp-b"}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.RunID == "" {
		t.Fatal("real run has no run id")
	}
	if result.Result.ApprovalGateSatisfied == nil || !*result.Result.ApprovalGateSatisfied {
		t.Error("gate should be satisfied")
	}
	if len(*hardDeleted) != 1 || (*hardDeleted)[0] != "m-expired" {
		t.Errorf("hard deleted = %v, want [m-expired]", *hardDeleted)
	}

	if len(*recorded) != 1 {
		t.Fatalf("custody records = %d, want 1", len(*recorded))
	}
	if err := custody.VerifyChain(*recorded); err != nil {
		t.Errorf("custody chain invalid: %v", err)
	}
	if (*recorded)[0].PreviousHash != "" {
		t.Error("genesis record must have empty previous hash")
	}

	if result.Certificate == nil {
		t.Fatal("no certificate issued")
	}
	if result.Certificate.ChainTailHash != (*recorded)[0].RecordHash {
		t.Error("certificate tail does not match chain tail")
	}
	if len(env.archive.appended) != 1 {
		t.Errorf("archived certificates = %d, want 1", len(env.archive.appended))
	}
	if len(env.search.deleted) != 1 || env.search.deleted[0] != "m-expired" {
		t.Errorf("search deletions = %v", env.search.deleted)
	}
}

func TestApplyPurgePlanIsNotReentrant(t *testing.T) {
	fs, _, _ := purgeFixtureStore()
	fs.insertPurgeRunFn = func(context.Context, store.PurgeRun) error {
		return store.ErrDuplicateKey
	}
	env := newTestEnv(fs)
	admin := env.login(t, "emp-admin", 1)

	_, err := env.service.ApplyPurgePlan(context.Background(), admin, ApplyPurgeInput{
		Signatures: []approval.Signature{{Empid: "emp-a"}, {Empid: "emp-b"}},
	})
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Code != "PURGE_RUN_EXISTS" {
		t.Fatalf("expected PURGE_RUN_EXISTS, got %v", err)
	}
}

func TestLegalHoldBlocksPurgeCandidate(t *testing.T) {
	fs, _, _ := purgeFixtureStore()
	fs.listLegalHoldsFn = func(context.Context, int64) ([]store.LegalHold, error) {
		return []store.LegalHold{{
			ID: "hold-1", CompanyID: 1, Status: "active", Scope: "company",
			StartsAt: time.Now().UTC().Add(-24 * time.Hour),
		}}, nil
	}
	env := newTestEnv(fs)
	admin := env.login(t, "emp-admin", 1)

	plan, err := env.service.BuildPurgePlan(context.Background(), admin, time.Now().UTC())
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if plan.Summary.CandidateCount != 0 {
		t.Fatalf("candidates = %d, want 0 under company hold", plan.Summary.CandidateCount)
	}
	for _, skip := range plan.Skipped {
		if skip.MessageID == "m-expired" {
			if skip.Reason != string(retention.StatusBlockedByLegalHold) {
				t.Errorf("skip reason = %s", skip.Reason)
			}
			if skip.HoldID != "hold-1" {
				t.Errorf("hold id = %s, want hold-1", skip.HoldID)
			}
		}
	}
}

func TestSetRetentionPolicyValidation(t *testing.T) {
	env := newTestEnv(nil)
	admin := env.login(t, "emp-admin", 1)

	if err := env.service.SetRetentionPolicy(context.Background(), admin, "secret", 30); err == nil {
		t.Error("unknown class accepted")
	}
	if err := env.service.SetRetentionPolicy(context.Background(), admin, "general", 0); err == nil {
		t.Error("zero days accepted")
	}
	if err := env.service.SetRetentionPolicy(context.Background(), admin, "general", 30); err != nil {
		t.Errorf("valid policy rejected: %v", err)
	}

	staff := env.login(t, "emp-staff", 1)
	if err := env.service.SetRetentionPolicy(context.Background(), staff, "general", 30); err == nil {
		t.Error("staff may not set retention policy")
	}
}

type fakeBlobs struct {
	putKeys []string
	removed []string
}

func (f *fakeBlobs) Put(_ context.Context, key string, _ io.Reader, _ int64, _ string) error {
	f.putKeys = append(f.putKeys, key)
	return nil
}
func (f *fakeBlobs) Get(context.Context, string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("")), "", nil
}
func (f *fakeBlobs) Remove(_ context.Context, key string) error {
	f.removed = append(f.removed, key)
	return nil
}
func (f *fakeBlobs) RemoveMessage(context.Context, int64, string) error { return nil }

func TestUploadAttachmentRemovesObjectOnStoreFailure(t *testing.T) {
	fs := &fakeStore{}
	fs.getMessageFn = func(_ context.Context, companyID int64, id string) (store.Message, error) {
		return store.Message{ID: id, CompanyID: companyID, AuthorEmpid: "emp-staff", MessageClass: "general", VisibilityScope: "company"}, nil
	}
	fs.insertAttachmentFn = func(context.Context, store.Attachment) error {
		return errors.New("insert attachment failed")
	}
	env := newTestEnv(fs)
	blobs := &fakeBlobs{}
	env.service.blobs = blobs
	session := env.login(t, "emp-staff", 1)

	_, err := env.service.UploadAttachment(context.Background(), session, "m-1", "report.pdf", "application/pdf", 10, strings.NewReader("0123456789"))
	if err == nil {
		t.Fatal("expected upload to fail when the row insert fails")
	}
	if len(blobs.putKeys) != 1 {
		t.Fatalf("put keys = %v, want one object", blobs.putKeys)
	}
	if len(blobs.removed) != 1 || blobs.removed[0] != blobs.putKeys[0] {
		t.Fatalf("removed = %v, want the orphaned object %q", blobs.removed, blobs.putKeys[0])
	}
}

func TestListAttachmentsScopedToCompany(t *testing.T) {
	fs := &fakeStore{}
	fs.getMessageFn = func(_ context.Context, companyID int64, id string) (store.Message, error) {
		if companyID != 1 {
			return store.Message{}, sql.ErrNoRows
		}
		return store.Message{ID: id, CompanyID: companyID, AuthorEmpid: "emp-staff", MessageClass: "general", VisibilityScope: "company"}, nil
	}
	fs.listAttachmentsFn = func(_ context.Context, companyID int64, messageID string) ([]store.Attachment, error) {
		return []store.Attachment{{ID: "att-1", CompanyID: companyID, MessageID: messageID, FileName: "report.pdf"}}, nil
	}
	env := newTestEnv(fs)
	session := env.login(t, "emp-staff", 1)

	attachments, err := env.service.ListAttachments(context.Background(), session, "m-1")
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	if len(attachments) != 1 || attachments[0].ID != "att-1" {
		t.Fatalf("attachments = %+v, want att-1", attachments)
	}

	rival := env.login(t, "emp-rival", 2)
	_, err = env.service.ListAttachments(context.Background(), rival, "m-1")
	status, code, _, _ := mapError(err)
	if status != 404 || code != "NOT_FOUND" {
		t.Fatalf("cross-tenant list = %d %s, want 404 NOT_FOUND", status, code)
	}
}

func TestReindexSearchRequiresModerator(t *testing.T) {
	env := newTestEnv(nil)

	staff := env.login(t, "emp-staff", 1)
	if err := env.service.ReindexSearch(context.Background(), staff); err == nil {
		t.Error("staff may not trigger a reindex")
	}
	if len(env.search.reindexed) != 0 {
		t.Fatalf("reindexed = %v, want none", env.search.reindexed)
	}

	admin := env.login(t, "emp-admin", 1)
	if err := env.service.ReindexSearch(context.Background(), admin); err != nil {
		t.Fatalf("reindex as admin: %v", err)
	}
	if len(env.search.reindexed) != 1 || env.search.reindexed[0] != 1 {
		t.Fatalf("reindexed = %v, want [1]", env.search.reindexed)
	}
}
