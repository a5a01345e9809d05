// Package loader reads templates and macro libraries from a file system.
package loader

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/walteh/sqltmpl/pkg/jinja"
	"github.com/walteh/sqltmpl/pkg/templater"
	"gitlab.com/tozd/go/errors"
)

// MacroGlob selects the files of a macro directory that are loaded as
// libraries.
const MacroGlob = "**/*.sql"

// FSLoader resolves include and import names against a list of search
// paths, first match wins. Names cannot escape their search path.
type FSLoader struct {
	roots []afero.Fs
	paths []string
}

var _ jinja.Loader = (*FSLoader)(nil)

func New(fsys afero.Fs, searchPaths ...string) *FSLoader {
	me := &FSLoader{paths: searchPaths}
	for _, p := range searchPaths {
		me.roots = append(me.roots, afero.NewReadOnlyFs(sub(fsys, p)))
	}
	return me
}

func (me *FSLoader) Load(name string) (string, error) {
	for i, root := range me.roots {
		data, err := afero.ReadFile(root, filepath.FromSlash(name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !os.IsNotExist(err) {
			return "", errors.Errorf("reading %s from %s: %w", name, me.paths[i], err)
		}
	}
	return "", errors.Errorf("%w: %s (searched %v)", jinja.ErrTemplateNotFound, name, me.paths)
}

// LoadMacroPaths reads every macro library under paths. A path may be a
// single file or a directory searched with MacroGlob. Libraries come back in
// path order, then in lexical order within a directory, which is the order
// in which later definitions override earlier ones.
func LoadMacroPaths(ctx context.Context, fsys afero.Fs, paths []string) ([]templater.Library, error) {
	var (
		libs   []templater.Library
		result *multierror.Error
	)

	for _, p := range paths {
		found, err := loadMacroPath(fsys, p)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		zerolog.Ctx(ctx).Debug().Str("path", p).Int("files", len(found)).Msg("found macro libraries")
		libs = append(libs, found...)
	}

	return libs, result.ErrorOrNil()
}

func loadMacroPath(fsys afero.Fs, p string) ([]templater.Library, error) {
	exists, err := afero.Exists(fsys, p)
	if err != nil {
		return nil, errors.Errorf("checking %s: %w", p, err)
	}
	if !exists {
		return nil, errors.Errorf("Path does not exist: %s", p)
	}

	if IsArchive(p) {
		return loadArchive(fsys, p)
	}

	dir, err := afero.IsDir(fsys, p)
	if err != nil {
		return nil, errors.Errorf("checking %s: %w", p, err)
	}
	if !dir {
		lib, err := readLibrary(fsys, p)
		if err != nil {
			return nil, err
		}
		return []templater.Library{lib}, nil
	}

	matches, err := doublestar.Glob(afero.NewIOFS(sub(fsys, p)), MacroGlob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Errorf("globbing %s: %w", p, err)
	}
	sort.Strings(matches)

	libs := make([]templater.Library, 0, len(matches))
	for _, m := range matches {
		lib, err := readLibrary(fsys, filepath.Join(p, filepath.FromSlash(m)))
		if err != nil {
			return nil, err
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

// loadArchive reads the libraries of a macro tarball. Their names are the
// archive path followed by the entry name.
func loadArchive(fsys afero.Fs, p string) ([]templater.Library, error) {
	data, err := afero.ReadFile(fsys, p)
	if err != nil {
		return nil, errors.Errorf("reading macro archive: %w", err)
	}
	archive, err := OpenArchive(data)
	if err != nil {
		return nil, errors.Errorf("opening macro archive %s: %w", p, err)
	}

	matches, err := doublestar.Glob(afero.NewIOFS(archive), MacroGlob, doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Errorf("globbing %s: %w", p, err)
	}
	sort.Strings(matches)

	libs := make([]templater.Library, 0, len(matches))
	for _, m := range matches {
		lib, err := readLibrary(archive, m)
		if err != nil {
			return nil, err
		}
		lib.Name = p + "!" + m
		libs = append(libs, lib)
	}
	return libs, nil
}

func readLibrary(fsys afero.Fs, name string) (templater.Library, error) {
	data, err := afero.ReadFile(fsys, name)
	if err != nil {
		return templater.Library{}, errors.Errorf("reading macro library: %w", err)
	}
	return templater.Library{Name: name, Source: string(data)}, nil
}

// Expand resolves file arguments that may contain doublestar patterns.
// Plain paths are returned as given, even when they do not exist, so the
// caller reports them. Directories expand to the .sql files below them.
func Expand(fsys afero.Fs, args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		base, pattern := doublestar.SplitPattern(filepath.ToSlash(arg))
		if pattern == "" || !hasMeta(pattern) {
			if dir, _ := afero.IsDir(fsys, arg); dir {
				base, pattern = filepath.ToSlash(arg), MacroGlob
			} else {
				out = append(out, arg)
				continue
			}
		}

		matches, err := doublestar.Glob(afero.NewIOFS(sub(fsys, filepath.FromSlash(base))), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, errors.Errorf("expanding %s: %w", arg, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			out = append(out, filepath.Join(filepath.FromSlash(base), filepath.FromSlash(m)))
		}
	}
	return out, nil
}

// sub roots fsys at dir.
func sub(fsys afero.Fs, dir string) afero.Fs {
	if dir == "" || dir == "." {
		return fsys
	}
	return afero.NewBasePathFs(fsys, dir)
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
