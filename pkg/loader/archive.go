package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
	"gitlab.com/tozd/go/errors"
)

// IsArchive reports whether a macro path names a gzipped tarball, the way
// packaged macro collections are distributed.
func IsArchive(name string) bool {
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")
}

// OpenArchive unpacks the regular files of a tar.gz archive into memory.
// Entries that would land outside the archive root are rejected.
func OpenArchive(data []byte) (afero.Fs, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Errorf("opening gzip stream: %w", err)
	}
	defer gzr.Close()

	fsys := afero.NewMemMapFs()
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Errorf("reading tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimPrefix(header.Name, "/"))
		if name == "." || name == ".." || strings.HasPrefix(name, "../") {
			return nil, errors.Errorf("archive entry %s escapes the archive", header.Name)
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, errors.Errorf("reading %s: %w", header.Name, err)
		}
		if err := afero.WriteFile(fsys, name, buf.Bytes(), 0o644); err != nil {
			return nil, errors.Errorf("storing %s: %w", header.Name, err)
		}
	}

	return fsys, nil
}
