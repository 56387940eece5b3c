package custody

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"parley/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Archive keeps one bare-worktree git repository per company and commits
// every deletion certificate into it. The commit history is the off-database
// copy of the compliance trail: append-only, independently verifiable, and
// cheap to replicate.
type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewArchive(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[int64]*sync.Mutex),
	}
}

type archivedCertificate struct {
	Certificate store.DeletionCertificate `json:"certificate"`
	Records     []store.CustodyRecord     `json:"records"`
}

// AppendCertificate commits the certificate and its full record chain as
// certificates/<purgeRunId>.json on the company's main branch. Re-archiving
// the same run is a no-op so retries after a crashed purge stay safe.
func (a *Archive) AppendCertificate(cert store.DeletionCertificate, records []store.CustodyRecord) error {
	lock := a.companyLock(cert.CompanyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.ensureCompanyRepo(cert.CompanyID)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	relPath := filepath.Join("certificates", cert.PurgeRunID+".json")
	absPath := filepath.Join(a.repoPath(cert.CompanyID), relPath)
	if _, err := os.Stat(absPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat certificate file: %w", err)
	}

	payload, err := json.MarshalIndent(archivedCertificate{Certificate: cert, Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create certificates dir: %w", err)
	}
	if err := os.WriteFile(absPath, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return fmt.Errorf("git add certificate: %w", err)
	}

	message := fmt.Sprintf("Archive deletion certificate %s (%d actions)", cert.PurgeRunID, cert.ActionCount)
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  cert.GeneratedBy,
			Email: fmt.Sprintf("%s@compliance.parley.dev", cert.GeneratedBy),
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("commit certificate: %w", err)
	}
	return nil
}

// ReadCertificate loads an archived run back out of the company repo.
func (a *Archive) ReadCertificate(companyID int64, purgeRunID string) (store.DeletionCertificate, []store.CustodyRecord, error) {
	lock := a.companyLock(companyID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(a.repoPath(companyID), "certificates", purgeRunID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return store.DeletionCertificate{}, nil, fmt.Errorf("read archived certificate: %w", err)
	}
	var archived archivedCertificate
	if err := json.Unmarshal(raw, &archived); err != nil {
		return store.DeletionCertificate{}, nil, fmt.Errorf("decode archived certificate: %w", err)
	}
	return archived.Certificate, archived.Records, nil
}

func (a *Archive) ensureCompanyRepo(companyID int64) (*git.Repository, error) {
	path := a.repoPath(companyID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, fmt.Errorf("open company archive: %w", err)
		}
		return repo, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat company archive: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create company archive dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init company archive: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	readme := fmt.Sprintf("Deletion certificate archive for company %d.\n", companyID)
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte(readme), 0o644); err != nil {
		return nil, fmt.Errorf("write archive readme: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return nil, fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Initialize certificate archive", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "parley",
			Email: "compliance@parley.dev",
			When:  time.Now(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("commit archive baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (a *Archive) repoPath(companyID int64) string {
	return filepath.Join(a.baseDir, "company-"+strconv.FormatInt(companyID, 10))
}

func (a *Archive) companyLock(companyID int64) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[companyID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[companyID] = lock
	return lock
}
