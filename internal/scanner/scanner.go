// Package scanner enumerates indexable documents on disk. It runs only
// during a full rebuild; steady-state indexing is driven by explicit
// document operations, never by directory scans.
package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is one indexable document found on disk.
type File struct {
	// Path is relative to the scanned root, with forward slashes.
	Path string
	// AbsPath is the absolute filesystem path.
	AbsPath string
	Size    int64
}

// indexableExtensions are the file types the index accepts.
var indexableExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// Scan walks root and returns every indexable file, sorted by relative
// path for deterministic rebuild order. Hidden directories are skipped.
func Scan(root string) ([]File, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if !indexableExtensions[strings.ToLower(filepath.Ext(name))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, File{
			Path:    filepath.ToSlash(rel),
			AbsPath: path,
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// ReadFile loads a document's content from disk.
func ReadFile(f File) (string, error) {
	data, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
