// Package contentstore keeps uploaded bytes on local disk, addressed by their
// SHA-256 hash, and owns the PhysicalFile row and its cached parse result.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

// Parser is the slice of provider.Parser the store needs.
type Parser interface {
	Name() string
	Parse(ctx context.Context, data []byte, name, mimeType string) (*model.ParseResult, error)
}

// Upload is one incoming document.
type Upload struct {
	Name     string
	MimeType string
	Reader   io.Reader
}

// Store is the content-addressed blob store.
type Store struct {
	root    string
	maxSize int64
	files   store.FileStore

	ingest singleflight.Group
	parse  singleflight.Group
}

// New creates a Store rooted at root. maxSize <= 0 disables the size check.
func New(root string, maxSize int64, files store.FileStore) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o750); err != nil {
		return nil, eris.Wrapf(err, "contentstore: create root %s", root)
	}
	return &Store{root: root, maxSize: maxSize, files: files}, nil
}

// BlobPath returns the storage path, relative to the root, for a hash.
func BlobPath(hash string) string {
	if len(hash) < 4 {
		return hash
	}
	return filepath.Join(hash[:2], hash[2:4], hash)
}

type ingestResult struct {
	file    *model.PhysicalFile
	created bool
}

// Ingest stores u and returns the PhysicalFile that owns its content. When
// identical bytes were ingested before, the existing row is returned
// untouched and created is false. A failure leaves neither a row nor a blob
// behind.
func (s *Store) Ingest(ctx context.Context, u Upload) (*model.PhysicalFile, bool, error) {
	tmp, hash, size, head, err := s.spool(u)
	if err != nil {
		return nil, false, &model.FileUploadError{Name: u.Name, Err: err}
	}
	defer os.Remove(tmp) //nolint:errcheck

	mimeType := u.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(head)
	}

	ran := false
	v, err, _ := s.ingest.Do(hash, func() (any, error) {
		ran = true
		return s.commit(ctx, tmp, &model.PhysicalFile{
			Hash:         hash,
			StoragePath:  BlobPath(hash),
			Size:         size,
			MimeType:     mimeType,
			OriginalName: u.Name,
		})
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(ingestResult)
	return res.file, res.created && ran, nil
}

// spool copies the upload into a temp file while hashing it.
func (s *Store) spool(u Upload) (path, hash string, size int64, head []byte, err error) {
	if u.Reader == nil {
		return "", "", 0, nil, eris.New("empty upload")
	}
	f, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "upload-*")
	if err != nil {
		return "", "", 0, nil, eris.Wrap(err, "create temp file")
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	sniff := &headWriter{limit: 512}
	r := u.Reader
	if s.maxSize > 0 {
		r = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h, sniff), r)
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = eris.Errorf("file exceeds %d bytes", s.maxSize)
	}
	if err == nil && n == 0 {
		err = eris.New("empty upload")
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		os.Remove(f.Name()) //nolint:errcheck
		return "", "", 0, nil, err
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), n, sniff.buf, nil
}

func (s *Store) commit(ctx context.Context, tmp string, f *model.PhysicalFile) (ingestResult, error) {
	existing, err := s.files.GetPhysicalFileByHash(ctx, f.Hash)
	if err == nil {
		zap.L().Debug("contentstore: duplicate upload", zap.String("file_hash", f.Hash), zap.String("file_id", existing.ID))
		return ingestResult{file: existing}, nil
	}
	if !model.IsNotFound(err) {
		return ingestResult{}, eris.Wrap(err, "contentstore: lookup hash")
	}

	dst := filepath.Join(s.root, f.StoragePath)
	_, statErr := os.Stat(dst)
	placed := errors.Is(statErr, os.ErrNotExist)
	if placed {
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return ingestResult{}, &model.FileUploadError{Name: f.OriginalName, Err: err}
		}
		if err := os.Rename(tmp, dst); err != nil {
			return ingestResult{}, &model.FileUploadError{Name: f.OriginalName, Err: err}
		}
	}

	got, created, err := s.files.CreatePhysicalFile(ctx, f)
	if err != nil {
		if placed {
			os.Remove(dst) //nolint:errcheck
		}
		return ingestResult{}, &model.FileUploadError{Name: f.OriginalName, Err: err}
	}
	if created {
		zap.L().Info("contentstore: stored file",
			zap.String("file_id", got.ID),
			zap.String("file_hash", got.Hash),
			zap.Int64("size", got.Size),
		)
	}
	return ingestResult{file: got, created: created}, nil
}

// Open returns the bytes of f.
func (s *Store) Open(_ context.Context, f *model.PhysicalFile) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, f.StoragePath))
	if err != nil {
		return nil, eris.Wrapf(err, "contentstore: read blob %s", f.Hash)
	}
	return data, nil
}

// Delete removes the file row with everything it owns, then its blob.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	f, err := s.files.GetPhysicalFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.files.DeletePhysicalFile(ctx, fileID); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, f.StoragePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("contentstore: blob left behind", zap.String("file_hash", f.Hash), zap.Error(err))
	}
	return nil
}

// EnsureParsed returns the cached parse result of f, running p once when the
// file has none. Concurrent callers for one file share a single parse.
func (s *Store) EnsureParsed(ctx context.Context, f *model.PhysicalFile, p Parser) (*model.ParseResult, error) {
	if f.Parsed() {
		return f.ParseResult, nil
	}

	v, err, _ := s.parse.Do(f.ID, func() (any, error) {
		cur, err := s.files.GetPhysicalFile(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		if cur.Parsed() {
			return cur.ParseResult, nil
		}

		data, err := s.Open(ctx, cur)
		if err != nil {
			return nil, err
		}
		res, err := p.Parse(ctx, data, cur.OriginalName, cur.MimeType)
		if err != nil {
			return nil, err
		}
		if err := s.files.SetParseResult(ctx, cur.ID, res); err != nil {
			return nil, err
		}
		zap.L().Info("contentstore: parsed file",
			zap.String("file_id", cur.ID),
			zap.String("parser", p.Name()),
			zap.Int("chunks", len(res.Chunks)),
		)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*model.ParseResult)
	f.ParseResult = res
	return res, nil
}

// headWriter keeps the first limit bytes written to it.
type headWriter struct {
	limit int
	buf   []byte
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		w.buf = append(w.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
