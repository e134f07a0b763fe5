package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyFile rejects uploads whose decoded payload is empty.
var ErrEmptyFile = errors.New("empty file payload")

// prefixLengths is the ladder of hash-prefix lengths tried for on-disk file
// names. A prefix already taken by a different full hash widens to the next
// rung; the full 64-char hash is the final fallback.
var prefixLengths = []int{24, 28, 32, 40, 48, 56, 64}

// UpsertFile decodes a base64 payload and stores it content-addressed by its
// SHA-256: identical bytes always resolve to the same row, and the disk file
// is written only when absent. Concurrent first writes of the same content
// are last-write-wins on identical bytes, which is harmless.
func (s *Store) UpsertFile(ctx context.Context, mimeType, base64Data string) (*File, error) {
	var file *File
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert file tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		f, err := s.upsertFileTx(ctx, tx, mimeType, base64Data)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit upsert file tx: %w", err)
		}
		file = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// upsertFileTx is the transactional core shared with SendResponse.
func (s *Store) upsertFileTx(ctx context.Context, tx *sql.Tx, mimeType, base64Data string) (*File, error) {
	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	sum := sha256.Sum256(data)
	fullHash := hex.EncodeToString(sum[:])
	ext := extFromMime(mimeType)

	rel, err := pickFileRelTx(ctx, tx, fullHash, ext)
	if err != nil {
		return nil, err
	}

	abs := filepath.Join(s.homeDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create files directory: %w", err)
	}
	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(abs, data, 0o644); err != nil {
			return nil, fmt.Errorf("write file: %w", err)
		}
	}

	mime := mimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cue_files (sha256, file, mime_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sha256) DO UPDATE SET
			file = excluded.file,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes;
	`, fullHash, rel, mime, len(data), s.now()); err != nil {
		return nil, fmt.Errorf("upsert cue_files: %w", err)
	}

	var file File
	if err := tx.QueryRowContext(ctx, `
		SELECT id, sha256, file, mime_type, size_bytes, created_at
		FROM cue_files
		WHERE sha256 = ?;
	`, fullHash).Scan(&file.ID, &file.SHA256, &file.Path, &file.MimeType, &file.SizeBytes, &file.CreatedAt); err != nil {
		return nil, fmt.Errorf("read cue_files row: %w", err)
	}
	return &file, nil
}

// pickFileRelTx chooses the relative storage path for a hash: the shortest
// prefix that is unused or already belongs to the same full hash.
func pickFileRelTx(ctx context.Context, tx *sql.Tx, fullHash, ext string) (string, error) {
	for _, n := range prefixLengths {
		rel := "files/" + fullHash[:n] + "." + ext
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT sha256 FROM cue_files WHERE file = ? LIMIT 1;
		`, rel).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return rel, nil
		}
		if err != nil {
			return "", fmt.Errorf("check file path %s: %w", rel, err)
		}
		if strings.EqualFold(existing, fullHash) {
			return rel, nil
		}
	}
	return "files/" + fullHash + "." + ext, nil
}

func extFromMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "bin"
	}
}

// FileAbsPath resolves a stored file reference to an absolute path under the
// cue home directory.
func (s *Store) FileAbsPath(rel string) string {
	clean := strings.TrimPrefix(rel, "/")
	return filepath.Join(s.homeDir, filepath.FromSlash(clean))
}

// FilesByResponseID returns a response's attachments ordered by idx.
func (s *Store) FilesByResponseID(ctx context.Context, responseID int64) ([]File, error) {
	if responseID <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.sha256, f.file, f.mime_type, f.size_bytes, f.created_at
		FROM cue_response_files rf
		JOIN cue_files f ON f.id = rf.file_id
		WHERE rf.response_id = ?
		ORDER BY rf.idx ASC;
	`, responseID)
	if err != nil {
		return nil, fmt.Errorf("query response files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.SHA256, &f.Path, &f.MimeType, &f.SizeBytes, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("response file rows: %w", err)
	}
	return out, nil
}

// FileCountsByResponseIDs returns attachment counts keyed by response id.
func (s *Store) FileCountsByResponseIDs(ctx context.Context, responseIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int)
	if len(responseIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(responseIDs)), ",")
	args := make([]any, len(responseIDs))
	for i, id := range responseIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT response_id, COUNT(*)
		FROM cue_response_files
		WHERE response_id IN (`+placeholders+`)
		GROUP BY response_id;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query file counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan file count: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("file count rows: %w", err)
	}
	return out, nil
}
