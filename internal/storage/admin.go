package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Stats summarizes the store's contents.
type Stats struct {
	Conversations    int64 `json:"conversations"`
	Segments         int64 `json:"segments"`
	EmbeddedSegments int64 `json:"embedded_segments"`
	EmbeddingDim     int   `json:"embedding_dim"`
	SchemaVersion    int   `json:"schema_version"`
	Deletions        int64 `json:"deletions"`
	StoreBytes       int64 `json:"store_bytes"`
}

// Stats reads row counts and store metadata in one snapshot.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()

	var st Stats
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&st.Conversations); err != nil {
		return Stats{}, fmt.Errorf("counting conversations: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments").Scan(&st.Segments); err != nil {
		return Stats{}, fmt.Errorf("counting segments: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments WHERE embedding IS NOT NULL").Scan(&st.EmbeddedSegments); err != nil {
		return Stats{}, fmt.Errorf("counting embedded segments: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM deletion_log").Scan(&st.Deletions); err != nil {
		return Stats{}, fmt.Errorf("counting deletions: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&st.SchemaVersion); err != nil {
		return Stats{}, fmt.Errorf("reading schema version: %w", err)
	}
	var dimValue string
	err = tx.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = ?", embeddingDimKey).Scan(&dimValue)
	if err != nil && err != sql.ErrNoRows {
		return Stats{}, fmt.Errorf("reading embedding dimension: %w", err)
	}
	if err == nil {
		fmt.Sscanf(dimValue, "%d", &st.EmbeddingDim)
	}

	if s.path != "" {
		if info, serr := os.Stat(s.path); serr == nil {
			st.StoreBytes = info.Size()
		}
	}
	return st, nil
}

// BackupInfo describes a completed, verified backup.
type BackupInfo struct {
	Path          string `json:"path"`
	Conversations int64  `json:"conversations"`
	Segments      int64  `json:"segments"`
	SizeBytes     int64  `json:"size_bytes"`
	SHA256        string `json:"sha256"`
}

// Backup writes a consistent copy of the store to dst and verifies it.
//
// The copy uses VACUUM INTO, which reads a single snapshot without blocking
// concurrent readers and without holding the writer lock for the duration of
// the copy; writes that arrive mid-copy land in the live store and simply
// miss the snapshot. Verification opens the copy, runs an integrity check,
// and returns its row counts and content hash so callers can prove the
// backup is usable.
func (s *Store) Backup(ctx context.Context, dst string) (BackupInfo, error) {
	if s.path == "" {
		return BackupInfo{}, fmt.Errorf("cannot back up an in-memory store")
	}
	if _, err := os.Stat(dst); err == nil {
		return BackupInfo{}, fmt.Errorf("backup destination %s already exists", dst)
	} else if !os.IsNotExist(err) {
		return BackupInfo{}, fmt.Errorf("checking backup destination: %w", err)
	}

	err := withRetry(ctx, func() error {
		// A failed earlier attempt may have left a partial copy behind.
		os.Remove(dst)
		_, verr := s.readDB.ExecContext(ctx, "VACUUM INTO ?", dst)
		return verr
	})
	if err != nil {
		os.Remove(dst)
		return BackupInfo{}, fmt.Errorf("copying store: %w", err)
	}

	info, err := verifyBackup(ctx, dst)
	if err != nil {
		os.Remove(dst)
		return BackupInfo{}, fmt.Errorf("verifying backup: %w", err)
	}
	return info, nil
}

func verifyBackup(ctx context.Context, path string) (BackupInfo, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=query_only(ON)")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("opening backup: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("integrity check: %w", err)
	}
	ok := false
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return BackupInfo{}, err
		}
		if line == "ok" {
			ok = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return BackupInfo{}, err
	}
	if !ok {
		return BackupInfo{}, fmt.Errorf("integrity check failed for %s", path)
	}

	info := BackupInfo{Path: path}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&info.Conversations); err != nil {
		return BackupInfo{}, fmt.Errorf("counting conversations in backup: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments").Scan(&info.Segments); err != nil {
		return BackupInfo{}, fmt.Errorf("counting segments in backup: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("opening backup file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("hashing backup: %w", err)
	}
	info.SizeBytes = n
	info.SHA256 = hex.EncodeToString(h.Sum(nil))
	return info, nil
}
