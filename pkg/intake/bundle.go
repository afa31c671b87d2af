package intake

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoBundle indicates no upload bundle exists for a cookie.
var ErrNoBundle = errors.New("no upload bundle found")

// locateBundle resolves the bundle directory for a cookie. The layout
// is incoming/<cookie>/<context-id>/<context-name>/ with artifact files
// below the context-name level; a worker delivers exactly one context.
func locateBundle(incomingDir, cookie string) (string, error) {
	cookieDir := filepath.Join(incomingDir, cookie)
	if _, err := os.Stat(cookieDir); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: cookie %s", ErrNoBundle, cookie)
		}
		return "", err
	}

	dir := cookieDir
	for depth := 0; depth < 2; depth++ {
		sub, err := singleSubdir(dir)
		if err != nil {
			return "", fmt.Errorf("bundle for %s: %w", cookie, err)
		}
		dir = sub
	}
	return dir, nil
}

func singleSubdir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("%w: %s has no context directory", ErrNoBundle, dir)
	}
	if len(dirs) > 1 {
		return "", fmt.Errorf("ambiguous bundle: %s has %d context directories", dir, len(dirs))
	}
	return filepath.Join(dir, dirs[0]), nil
}

// listFiles returns the regular files under dir, recursively, as slash
// paths relative to dir, in deterministic order.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// contentType guesses a MIME type from the filename extension.
func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
