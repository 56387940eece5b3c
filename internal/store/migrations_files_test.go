package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestPendingMigrationFilesRejectsUnpairedUp(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("0001_init.up.sql")
	write("0001_init.down.sql")
	write("0002_orphan.up.sql")

	if _, err := pendingMigrationFiles(dir); err == nil {
		t.Fatal("expected unpaired up migration to be rejected")
	}

	write("0002_orphan.down.sql")
	files, err := pendingMigrationFiles(dir)
	if err != nil {
		t.Fatalf("pending migration files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want the two up migrations", files)
	}
	if filepath.Base(files[0]) != "0001_init.up.sql" || filepath.Base(files[1]) != "0002_orphan.up.sql" {
		t.Fatalf("files not in version order: %v", files)
	}
}
