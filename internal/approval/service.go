// Package approval verifies the countersignatures on destructive purge
// runs. Each approver holds a bcrypt-hashed passcode; a purge approval is
// only counted when the presented passcode matches.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"parley/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownApprover = errors.New("unknown approver")
	ErrBadPasscode     = errors.New("passcode mismatch")
)

const minPasscodeLen = 8

type ApproverStore interface {
	GetComplianceApprover(ctx context.Context, companyID int64, empid string) (store.ComplianceApprover, error)
	UpsertComplianceApprover(ctx context.Context, approver store.ComplianceApprover) error
}

type Service struct {
	store ApproverStore
}

func NewService(store ApproverStore) *Service {
	return &Service{store: store}
}

// Signature is one approver's countersignature on a purge request.
type Signature struct {
	Empid    string `json:"empid"`
	Passcode string `json:"passcode"`
}

// Verify checks every signature and returns the distinct empids whose
// passcodes matched. A single bad signature fails the whole set; a purge
// must never proceed on a partially forged approval list.
func (s *Service) Verify(ctx context.Context, companyID int64, signatures []Signature) ([]string, error) {
	verified := make([]string, 0, len(signatures))
	seen := make(map[string]struct{}, len(signatures))

	for _, sig := range signatures {
		if _, ok := seen[sig.Empid]; ok {
			continue
		}
		approver, err := s.store.GetComplianceApprover(ctx, companyID, sig.Empid)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownApprover, sig.Empid)
		}
		if err != nil {
			return nil, fmt.Errorf("load approver %s: %w", sig.Empid, err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(approver.PasscodeHash), []byte(sig.Passcode)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadPasscode, sig.Empid)
		}
		seen[sig.Empid] = struct{}{}
		verified = append(verified, sig.Empid)
	}
	return verified, nil
}

// Enroll registers or rotates an approver's passcode.
func (s *Service) Enroll(ctx context.Context, companyID int64, empid, displayName, passcode string) error {
	if len(passcode) < minPasscodeLen {
		return fmt.Errorf("passcode must be at least %d characters", minPasscodeLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash passcode: %w", err)
	}
	return s.store.UpsertComplianceApprover(ctx, store.ComplianceApprover{
		Empid:        empid,
		CompanyID:    companyID,
		DisplayName:  displayName,
		PasscodeHash: string(hash),
	})
}
