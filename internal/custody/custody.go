// Package custody produces the tamper-evident record chain and deletion
// certificates for compliance purge runs. The hashing functions are pure;
// persistence and archival live in the store and the git archive.
package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"parley/api/internal/store"
)

// BuildRecord computes one chain link. RecordHash is the hex SHA-256 of
// the pipe-joined tuple; the first record of a run uses an empty
// previousHash.
func BuildRecord(purgeRunID string, companyID int64, messageID, previousHash string) store.CustodyRecord {
	sum := sha256.Sum256([]byte(purgeRunID + "|" + strconv.FormatInt(companyID, 10) + "|" + messageID + "|" + previousHash))
	return store.CustodyRecord{
		PurgeRunID:   purgeRunID,
		CompanyID:    companyID,
		MessageID:    messageID,
		PreviousHash: previousHash,
		RecordHash:   hex.EncodeToString(sum[:]),
	}
}

// BuildChain links one record per message id in order, threading each
// record's hash into the next. It returns the records and the tail hash,
// which is what the deletion certificate commits to.
func BuildChain(purgeRunID string, companyID int64, messageIDs []string) ([]store.CustodyRecord, string) {
	records := make([]store.CustodyRecord, 0, len(messageIDs))
	previous := ""
	for i, messageID := range messageIDs {
		record := BuildRecord(purgeRunID, companyID, messageID, previous)
		record.Seq = i
		records = append(records, record)
		previous = record.RecordHash
	}
	return records, previous
}

// VerifyChain recomputes every link and reports the first divergence.
// An empty chain verifies trivially.
func VerifyChain(records []store.CustodyRecord) error {
	previous := ""
	for i, record := range records {
		if record.PreviousHash != previous {
			return fmt.Errorf("custody chain broken at seq %d: previous hash %q, expected %q", i, record.PreviousHash, previous)
		}
		expected := BuildRecord(record.PurgeRunID, record.CompanyID, record.MessageID, record.PreviousHash)
		if record.RecordHash != expected.RecordHash {
			return fmt.Errorf("custody chain broken at seq %d: record hash does not match its inputs", i)
		}
		previous = record.RecordHash
	}
	return nil
}

// certificatePayload fixes the field order of the digest input. Struct
// order is the canonical order; do not reorder fields.
type certificatePayload struct {
	CompanyID     int64  `json:"companyId"`
	PurgeRunID    string `json:"purgeRunId"`
	ActionCount   int    `json:"actionCount"`
	ChainTailHash string `json:"chainTailHash"`
	GeneratedBy   string `json:"generatedBy"`
	IssuedAt      string `json:"issuedAt"`
}

// BuildDeletionCertificate issues the certificate for a completed run.
// The digest covers the canonical JSON serialization of the run metadata
// with IssuedAt normalized to UTC RFC 3339.
func BuildDeletionCertificate(companyID int64, purgeRunID string, actionCount int, chainTailHash, generatedBy string, issuedAt time.Time) (store.DeletionCertificate, error) {
	issuedAt = issuedAt.UTC().Truncate(time.Second)
	payload, err := json.Marshal(certificatePayload{
		CompanyID:     companyID,
		PurgeRunID:    purgeRunID,
		ActionCount:   actionCount,
		ChainTailHash: chainTailHash,
		GeneratedBy:   generatedBy,
		IssuedAt:      issuedAt.Format(time.RFC3339),
	})
	if err != nil {
		return store.DeletionCertificate{}, fmt.Errorf("marshal certificate payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return store.DeletionCertificate{
		CompanyID:         companyID,
		PurgeRunID:        purgeRunID,
		ActionCount:       actionCount,
		ChainTailHash:     chainTailHash,
		GeneratedBy:       generatedBy,
		IssuedAt:          issuedAt,
		CertificateDigest: hex.EncodeToString(sum[:]),
	}, nil
}
