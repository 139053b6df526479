package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxReadBytes    = 1 << 20 // 1 MiB
	maxReadChars    = 5000
	maxListEntries  = 50
	maxListTotal    = 100
	maxSubEntries   = 10
	maxSearchDepth  = 5
	maxSearchResult = 10
)

// searchTypes maps the files_search "type" filter to extensions.
var searchTypes = map[string][]string{
	"pdf":   {".pdf"},
	"doc":   {".doc", ".docx", ".txt", ".rtf", ".md"},
	"image": {".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg"},
	"video": {".mp4", ".avi", ".mov", ".mkv", ".webm"},
}

// Files implements the file tools. Every path is confined to base.
type Files struct {
	base string
}

// NewFiles creates the file handlers rooted at base.
func NewFiles(base string) (*Files, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolving files base dir: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Files{base: abs}, nil
}

// Register adds every file tool to r.
func (f *Files) Register(r *Registry) {
	r.Register("files_list", f.List)
	r.Register("files_read", f.Read)
	r.Register("files_search", f.Search)
	r.Register("files_create", f.Create)
}

// resolve maps a user path to an absolute path inside base. Relative paths
// are taken from base. Symlinks that escape base are rejected.
func (f *Files) resolve(p string) (string, error) {
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(f.base, p)
	}
	if !f.inside(full) {
		return "", ErrAccessDenied
	}

	// Check the deepest existing ancestor so files_create can target a new path.
	probe := full
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !f.inside(resolved) {
				return "", ErrAccessDenied
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return full, nil
}

func (f *Files) inside(p string) bool {
	rel, err := filepath.Rel(f.base, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

type fileEntry struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified"`
}

// List is the Executor for files_list. Hidden entries are skipped. With
// recursive, one extra level is listed (up to 10 entries per directory).
func (f *Files) List(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := parseArgs("files_list", args, &a); err != nil {
		return Result{}, err
	}
	dir, err := f.resolve(a.Path)
	if err != nil {
		return Result{}, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("listing %s: %w", a.Path, err)
	}

	items := []fileEntry{}
	for _, e := range limitEntries(entries, maxListEntries) {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		item, ok := describe(e, e.Name())
		if !ok {
			continue
		}
		items = append(items, item)

		if a.Recursive && e.IsDir() && len(items) < maxListTotal {
			sub, err := os.ReadDir(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			for _, se := range limitEntries(sub, maxSubEntries) {
				if si, ok := describe(se, e.Name()+"/"+se.Name()); ok {
					items = append(items, si)
				}
			}
		}
	}

	return jsonResult("files_list", map[string]any{
		"path":       dir,
		"totalItems": len(items),
		"items":      items,
	})
}

// limitEntries returns the first n non-hidden entries.
func limitEntries(entries []os.DirEntry, n int) []os.DirEntry {
	var out []os.DirEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e)
		if len(out) == n {
			break
		}
	}
	return out
}

func describe(e os.DirEntry, name string) (fileEntry, bool) {
	info, err := e.Info()
	if err != nil {
		return fileEntry{}, false
	}
	item := fileEntry{Name: name, Type: "file", Modified: info.ModTime().UTC()}
	if e.IsDir() {
		item.Type = "directory"
	} else {
		item.Size = info.Size()
	}
	return item, true
}

// Read is the Executor for files_read.
func (f *Files) Read(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Path string `json:"path"`
	}
	if err := parseArgs("files_read", args, &a); err != nil {
		return Result{}, err
	}
	if a.Path == "" {
		return Result{}, errors.New("files_read: path is required")
	}
	p, err := f.resolve(a.Path)
	if err != nil {
		return Result{}, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", a.Path, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("reading %s: is a directory", a.Path)
	}
	if info.Size() > maxReadBytes {
		return Result{}, errors.New("File too large (max 1MB)")
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", a.Path, err)
	}
	if !utf8.Valid(data) {
		return Result{}, fmt.Errorf("reading %s: not a text file", a.Path)
	}
	content := string(data)
	shown := truncateRunes(content, maxReadChars)

	return jsonResult("files_read", map[string]any{
		"path":      p,
		"name":      filepath.Base(p),
		"size":      info.Size(),
		"content":   shown,
		"truncated": len(shown) < len(content),
	})
}

// Search is the Executor for files_search: case-insensitive name match,
// optional type filter, at most 10 results, 5 levels deep. Hidden
// directories and node_modules are skipped.
func (f *Files) Search(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Query string `json:"query"`
		Path  string `json:"path"`
		Type  string `json:"type"`
	}
	if err := parseArgs("files_search", args, &a); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(a.Query) == "" {
		return Result{}, errors.New("files_search: query is required")
	}
	var exts []string
	if a.Type != "" && a.Type != "all" {
		var ok bool
		if exts, ok = searchTypes[a.Type]; !ok {
			return Result{}, fmt.Errorf("files_search: unknown type %q", a.Type)
		}
	}
	root, err := f.resolve(a.Path)
	if err != nil {
		return Result{}, err
	}

	query := strings.ToLower(a.Query)
	var found []map[string]any
	errDone := errors.New("done")

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && (strings.HasPrefix(name, ".") || name == "node_modules") {
				return fs.SkipDir
			}
			if rel, _ := filepath.Rel(root, p); rel != "." && strings.Count(rel, string(filepath.Separator)) >= maxSearchDepth-1 {
				return fs.SkipDir
			}
			return nil
		}
		lower := strings.ToLower(name)
		if !strings.Contains(lower, query) {
			return nil
		}
		if exts != nil && !hasExt(lower, exts) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, map[string]any{
			"name":     name,
			"path":     p,
			"size":     info.Size(),
			"modified": info.ModTime().UTC(),
		})
		if len(found) >= maxSearchResult {
			return errDone
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errDone) {
		return Result{}, fmt.Errorf("searching %s: %w", root, walkErr)
	}
	if found == nil {
		found = []map[string]any{}
	}

	return jsonResult("files_search", map[string]any{
		"query": a.Query,
		"found": len(found),
		"files": found,
	})
}

func hasExt(name string, exts []string) bool {
	for _, e := range exts {
		if strings.HasSuffix(name, e) {
			return true
		}
	}
	return false
}

// Create is the Executor for files_create. Parent directories are created.
// Writing the same content twice leaves the same file, so re-delivery is safe.
func (f *Files) Create(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := parseArgs("files_create", args, &a); err != nil {
		return Result{}, err
	}
	if a.Path == "" {
		return Result{}, errors.New("files_create: path is required")
	}
	p, err := f.resolve(a.Path)
	if err != nil {
		return Result{}, err
	}
	if p == f.base {
		return Result{}, errors.New("files_create: path is the base directory")
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Result{}, fmt.Errorf("creating directories for %s: %w", a.Path, err)
	}
	if err := os.WriteFile(p, []byte(a.Content), 0o644); err != nil {
		return Result{}, fmt.Errorf("writing %s: %w", a.Path, err)
	}

	return jsonResult("files_create", map[string]any{
		"path":    p,
		"name":    filepath.Base(p),
		"size":    len(a.Content),
		"created": true,
	})
}
