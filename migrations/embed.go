package main

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedSQL embed.FS

// migrationFilenameRegex enforces the naming standard:
// 001_create_incidents.up.sql / 001_create_incidents.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// EmbeddedMigration wraps the migration files compiled into the binary and
// validates them before golang-migrate ever sees them. Embedding keeps
// deployment zero-config: the migrator container needs no volume mounts.
type EmbeddedMigration struct {
	fs fs.FS
}

// migrationFile is one parsed migration filename.
type migrationFile struct {
	sequence  int
	name      string
	direction string
}

// NewEmbeddedMigration wraps the given filesystem; nil selects the SQL files
// embedded in this binary.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedSQL
	}

	return &EmbeddedMigration{fs: filesystem}
}

// FS returns the underlying migration filesystem for the iofs source driver.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// ListEmbeddedMigrations returns the migration files that conform to the
// naming standard, lexicographically sorted. Non-conforming files are
// silently skipped so stray artifacts never reach the migration engine.
func (e *EmbeddedMigration) ListEmbeddedMigrations() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// ValidateEmbeddedMigrations checks that every migration is readable, up and
// down scripts are paired, and sequence numbers start at 001 with no gaps.
// Run before any state-changing operation: a malformed set aborts the run
// instead of leaving the schema half-migrated.
func (e *EmbeddedMigration) ValidateEmbeddedMigrations() error {
	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	// key "001_create_incidents" -> directions seen
	pairs := make(map[string]map[string]bool)

	for _, filename := range files {
		if _, err := fs.ReadFile(e.fs, filename); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		parsed, err := parseMigrationFilename(filename)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", parsed.sequence, parsed.name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][parsed.direction] = true
	}

	var sequences []int

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}

		seq, _ := strconv.Atoi(key[:3])
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				sequences[i-1]+1, sequences[i])
		}
	}

	return nil
}

// maxSequence returns the highest migration sequence number in the set, or 0
// when the set cannot be read.
func (e *EmbeddedMigration) maxSequence() int {
	files, err := e.ListEmbeddedMigrations()
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, filename := range files {
		parsed, err := parseMigrationFilename(filename)
		if err != nil {
			continue
		}

		if parsed.sequence > maxSeq {
			maxSeq = parsed.sequence
		}
	}

	return maxSeq
}

func parseMigrationFilename(filename string) (*migrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &migrationFile{
		sequence:  sequence,
		name:      matches[2],
		direction: matches[3],
	}, nil
}
