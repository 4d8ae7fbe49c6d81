package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// DefaultMaxUnpackedSize limits the total size Unpack will inflate.
const DefaultMaxUnpackedSize = 2 << 30

// archiveEpoch is stamped on every entry so identical input packs to
// identical bytes.
var archiveEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Document is one named file placed in an archive.
type Document struct {
	Name    string
	Content []byte
}

// Packager bundles documents into a zip archive and back.
type Packager struct {
	// Method is the zip compression method (zip.Deflate by default).
	Method uint16
	// MaxUnpackedSize bounds Unpack; zero means DefaultMaxUnpackedSize.
	MaxUnpackedSize int64
}

// NewPackager returns a Packager using deflate.
func NewPackager() *Packager {
	return &Packager{Method: zip.Deflate}
}

// Pack writes docs into an archive in the given order and returns the
// archive with its metadata.
func (p *Packager) Pack(docs []Document) ([]byte, envelope.Metadata, error) {
	if len(docs) == 0 {
		return nil, envelope.Metadata{}, domain.ErrValidation.WithDetails("no documents to pack")
	}

	seen := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		if err := validateEntryName(d.Name); err != nil {
			return nil, envelope.Metadata{}, domain.ErrValidation.WithDetailsf("document %d: %v", i, err)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, envelope.Metadata{}, domain.ErrValidation.WithDetailsf("duplicate document name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, d := range docs {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     d.Name,
			Method:   p.Method,
			Modified: archiveEpoch,
		})
		if err != nil {
			return nil, envelope.Metadata{}, fmt.Errorf("pack %s: %w", d.Name, err)
		}
		if _, err := w.Write(d.Content); err != nil {
			return nil, envelope.Metadata{}, fmt.Errorf("pack %s: %w", d.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, envelope.Metadata{}, fmt.Errorf("pack: %w", err)
	}

	archive := buf.Bytes()
	return archive, envelope.Digest(archive), nil
}

// Unpack reads every file entry of archive.
func (p *Packager) Unpack(archive []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, domain.ErrCorruptArchive.WithCause(err)
	}

	limit := p.MaxUnpackedSize
	if limit <= 0 {
		limit = DefaultMaxUnpackedSize
	}

	out := make(map[string][]byte, len(zr.File))
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if _, dup := out[f.Name]; dup {
			return nil, domain.ErrCorruptArchive.WithDetailsf("duplicate entry %q", f.Name)
		}

		data, err := readEntry(f, limit-total)
		if err != nil {
			return nil, domain.ErrCorruptArchive.WithDetailsf("entry %q", f.Name).WithCause(err)
		}
		total += int64(len(data))
		out[f.Name] = data
	}
	return out, nil
}

var errEntryTooLarge = errors.New("archive exceeds unpack limit")

func readEntry(f *zip.File, remaining int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, remaining+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > remaining {
		return nil, errEntryTooLarge
	}
	return data, nil
}

func validateEntryName(name string) error {
	switch {
	case name == "":
		return errors.New("empty name")
	case strings.HasPrefix(name, "/") || strings.Contains(name, `\`):
		return fmt.Errorf("name %q must be a relative slash path", name)
	case path.Clean(name) != name || strings.HasPrefix(name, "../") || name == "..":
		return fmt.Errorf("name %q is not clean", name)
	}
	return nil
}
