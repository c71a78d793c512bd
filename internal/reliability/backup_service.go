package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/database"
)

const (
	archivePrefix  = "ims-backup-"
	archiveStamp   = "2006-01-02-150405"
	metadataName   = "backup-metadata.json"
	minBackupsKept = 3
)

// BackupMetadata describes one backup archive.
type BackupMetadata struct {
	Timestamp time.Time       `json:"timestamp"`
	Stores    []StoreMetadata `json:"stores"`
}

// StoreMetadata describes one store snapshot inside an archive.
type StoreMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes a stored backup archive.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots every sqlite store with VACUUM INTO, bundles the
// snapshots into a tar.gz archive with a metadata manifest, and uploads the
// archive to object storage.
type BackupService struct {
	stores        []*database.DB
	objects       ObjectStore
	dataDir       string
	keyPrefix     string
	retentionDays int
	log           zerolog.Logger
}

// NewBackupService creates the store backup service. retentionDays of zero
// keeps archives forever; the newest three survive rotation regardless.
func NewBackupService(stores []*database.DB, objects ObjectStore, dataDir, keyPrefix string,
	retentionDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		stores:        stores,
		objects:       objects,
		dataDir:       dataDir,
		keyPrefix:     keyPrefix,
		retentionDays: retentionDays,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// Run creates and uploads a backup, then rotates old archives. This is the
// entry point the scheduled backup job calls.
func (s *BackupService) Run(ctx context.Context) error {
	if err := s.CreateAndUpload(ctx); err != nil {
		return err
	}
	return s.RotateOldBackups(ctx)
}

// CreateAndUpload snapshots every store and ships one archive.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Int("stores", len(s.stores)).Msg("Starting store backup")

	stagingDir, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp: start.UTC(),
		Stores:    make([]StoreMetadata, 0, len(s.stores)),
	}

	var files []string
	for _, store := range s.stores {
		filename := store.Name() + ".db"
		snapPath := filepath.Join(stagingDir, filename)

		if err := s.snapshotStore(store, snapPath); err != nil {
			return err
		}

		info, err := os.Stat(snapPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", store.Name(), err)
		}
		checksum, err := fileChecksum(snapPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", store.Name(), err)
		}

		metadata.Stores = append(metadata.Stores, StoreMetadata{
			Name:      store.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	metadataPath := filepath.Join(stagingDir, metadataName)
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write backup metadata: %w", err)
	}
	files = append(files, metadataName)

	archiveName := archivePrefix + start.UTC().Format(archiveStamp) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	key := s.archiveKey(archiveName)
	if err := s.objects.Upload(ctx, key, archive); err != nil {
		return err
	}

	archiveInfo, _ := os.Stat(archivePath)
	var sizeBytes int64
	if archiveInfo != nil {
		sizeBytes = archiveInfo.Size()
	}
	s.log.Info().
		Str("key", key).
		Int64("size_bytes", sizeBytes).
		Dur("duration", time.Since(start)).
		Msg("Store backup uploaded")
	return nil
}

// ListBackups returns stored archives, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.objects.List(ctx, s.archiveKey(archivePrefix))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		base := path.Base(obj.Key)
		if !strings.HasPrefix(base, archivePrefix) || !strings.HasSuffix(base, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(base, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveStamp, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping archive with unparseable timestamp")
			continue
		}

		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives older than the retention period,
// always keeping the newest few.
func (s *BackupService) RotateOldBackups(ctx context.Context) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsKept || s.retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsKept || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.objects.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).Msg("Backup rotation completed")
	}
	return nil
}

func (s *BackupService) archiveKey(name string) string {
	if s.keyPrefix == "" {
		return name
	}
	return path.Join(s.keyPrefix, name)
}

// snapshotStore writes a consistent copy of a live store. VACUUM INTO
// produces a compacted standalone database without blocking writers.
func (s *BackupService) snapshotStore(store *database.DB, destPath string) error {
	if _, err := store.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("failed to snapshot %s store: %w", store.Name(), err)
	}
	return nil
}

func fileChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
