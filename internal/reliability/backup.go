// Package reliability implements staged database backups. Each backup
// snapshots every registered database with VACUUM INTO, checksums the
// copies, and packs them with a metadata manifest into a timestamped
// tar.gz archive. Restore verifies checksums before handing files back.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/database"
	"github.com/aristath/warden/internal/domain"
)

const (
	archivePrefix     = "warden-backup-"
	archiveTimeLayout = "2006-01-02-150405"
	metadataFilename  = "backup-metadata.json"

	// minBackupsKept backups survive rotation regardless of age.
	minBackupsKept = 3
)

// Metadata is the manifest packed into every archive.
type Metadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database file in the archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Info summarizes one archive on disk.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// Service performs backups of the registered databases.
type Service struct {
	databases []*database.DB
	backupDir string
	version   string
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates the backup service. version is the Constitution
// version stamped into manifests.
func NewService(databases []*database.DB, backupDir, version string, log zerolog.Logger) *Service {
	return &Service{
		databases: databases,
		backupDir: backupDir,
		version:   version,
		log:       log.With().Str("service", "reliability").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the clock (used in tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Backup snapshots every database into a new archive and returns its path.
func (s *Service) Backup(ctx context.Context) (string, error) {
	start := s.now()
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	staging, err := os.MkdirTemp(s.backupDir, "staging-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	meta := Metadata{
		Timestamp: start.UTC(),
		Version:   s.version,
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}

	for _, db := range s.databases {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		filename := db.Name() + ".db"
		dest := filepath.Join(staging, filename)
		if err := s.snapshot(ctx, db, dest); err != nil {
			return "", fmt.Errorf("snapshot %s: %w", db.Name(), err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return "", fmt.Errorf("stat snapshot %s: %w", db.Name(), err)
		}
		sum, err := checksumFile(dest)
		if err != nil {
			return "", fmt.Errorf("checksum %s: %w", db.Name(), err)
		}
		meta.Databases = append(meta.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  sum,
		})
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, metadataFilename), metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}

	archivePath := filepath.Join(s.backupDir,
		archivePrefix+start.Format(archiveTimeLayout)+".tar.gz")
	if err := createArchive(archivePath, staging); err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	s.log.Info().Str("archive", filepath.Base(archivePath)).
		Int("databases", len(meta.Databases)).
		Dur("duration", time.Since(start)).Msg("Backup completed")
	return archivePath, nil
}

// snapshot copies one database with VACUUM INTO after a WAL checkpoint.
func (s *Service) snapshot(ctx context.Context, db *database.DB, dest string) error {
	if err := db.Checkpoint(); err != nil {
		s.log.Warn().Err(err).Str("database", db.Name()).Msg("Checkpoint before backup failed")
	}
	_, err := db.Conn().ExecContext(ctx, "VACUUM INTO ?", dest)
	return err
}

// List returns the archives in the backup directory, newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("filename", name).Msg("Unparseable backup filename")
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(s.backupDir, name),
			Timestamp: ts,
			SizeBytes: fi.Size(),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives older than retention. The newest minBackupsKept
// always survive; retention zero keeps everything.
func (s *Service) Rotate(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	backups, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-retention)

	deleted := 0
	for i, b := range backups {
		if i < minBackupsKept || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			s.log.Error().Err(err).Str("path", b.Path).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Rotated old backups")
	}
	return deleted, nil
}

// Restore extracts an archive into destDir and verifies every database
// against the manifest checksums. It returns the manifest.
func (s *Service) Restore(archivePath, destDir string) (*Metadata, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create restore dir: %w", err)
	}
	if err := extractArchive(archivePath, destDir); err != nil {
		return nil, fmt.Errorf("extract archive: %w", err)
	}

	metaBytes, err := os.ReadFile(filepath.Join(destDir, metadataFilename))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidData, err, "archive has no manifest")
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidData, err, "bad manifest")
	}

	for _, db := range meta.Databases {
		sum, err := checksumFile(filepath.Join(destDir, db.Filename))
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidData, err, "missing database "+db.Name)
		}
		if sum != db.Checksum {
			return nil, domain.Errorf(domain.ErrInvalidData,
				"checksum mismatch for %s: archive corrupted", db.Name)
		}
	}

	s.log.Info().Str("archive", filepath.Base(archivePath)).
		Int("databases", len(meta.Databases)).Msg("Backup restored and verified")
	return &meta, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func createArchive(archivePath, srcDir string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFile(tw, filepath.Join(srcDir, entry.Name()), entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		// Flat archives only; reject any traversal in entry names.
		name := filepath.Base(filepath.Clean(hdr.Name))
		if name == "." || name == ".." {
			continue
		}
		out, err := os.Create(filepath.Join(destDir, name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}
