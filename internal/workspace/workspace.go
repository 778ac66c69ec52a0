// Package workspace provides per-session directories whose file operations
// can never escape the workspace root.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ContainerPath is where a workspace is mounted inside a container.
const ContainerPath = "/workspace"

var (
	// ErrPathTraversal is returned when a relative path would resolve outside
	// the workspace root. It is always returned before the filesystem is touched.
	ErrPathTraversal = errors.New("workspace: path traversal")

	// ErrQuotaExceeded is returned when a write would grow the workspace past
	// its configured size cap.
	ErrQuotaExceeded = errors.New("workspace: size quota exceeded")
)

// Subdirectories created in every workspace.
var Subdirs = []string{"code", "data", "output", "temp", "memory"}

// seedFiles are created empty on first use for the calling agent layer.
var seedFiles = []string{"task_plan.md", "notes.md", "memory/context.md"}

// Options controls the size policy of a workspace.
type Options struct {
	MaxSizeBytes int64 // 0 means unlimited
}

// Mount describes how a workspace is bound into a container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// FileInfo is a listing entry with a slash-separated path relative to the root.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Workspace is a directory tree owned by exactly one session.
type Workspace struct {
	root string
	opts Options
}

// Create initializes (or reopens) a workspace at root, creating the standard
// subtree and seed files. Existing files are left untouched.
func Create(root string, opts Options) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	w, err := Open(root, opts)
	if err != nil {
		return nil, err
	}

	for _, dir := range Subdirs {
		if err := os.MkdirAll(filepath.Join(w.root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	for _, name := range seedFiles {
		p := filepath.Join(w.root, filepath.FromSlash(name))
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("seeding %s: %w", name, err)
		}
		f.Close()
	}
	return w, nil
}

// Open wraps an existing directory without creating anything.
func Open(root string, opts Options) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	// Resolve symlinks once so containment checks compare like with like.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening workspace: %s is not a directory", real)
	}
	return &Workspace{root: real, opts: opts}, nil
}

// Root returns the absolute host path of the workspace.
func (w *Workspace) Root() string { return w.root }

// Mount returns the read-write container bind descriptor for this workspace.
func (w *Workspace) Mount() Mount {
	return Mount{HostPath: w.root, ContainerPath: ContainerPath, ReadOnly: false}
}

// Resolve validates rel and returns the absolute host path it names.
// The empty string and "." both name the root.
func (w *Workspace) Resolve(rel string) (string, error) {
	if hasRootMarker(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathTraversal, rel)
	}
	if hasParentSegment(rel) {
		return "", fmt.Errorf("%w: %q contains a parent segment", ErrPathTraversal, rel)
	}

	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	if !within(w.root, abs) {
		return "", fmt.Errorf("%w: %q resolves outside the workspace", ErrPathTraversal, rel)
	}

	// Follow symlinks, dangling ones included, on whatever part of the path
	// already exists.
	real, err := resolveLinks(w.root, rel)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", rel, err)
	}
	if !within(w.root, real) {
		return "", fmt.Errorf("%w: %q links outside the workspace", ErrPathTraversal, rel)
	}
	return abs, nil
}

// ReadFile returns the contents of a file in the workspace.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	p, err := w.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// ReadText is ReadFile returning a string.
func (w *Workspace) ReadText(rel string) (string, error) {
	data, err := w.ReadFile(rel)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes data, creating parent directories as needed.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	p, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if p == w.root {
		return fmt.Errorf("writing %q: path names the workspace root", rel)
	}
	if w.opts.MaxSizeBytes > 0 {
		size, err := w.Size()
		if err != nil {
			return err
		}
		var existing int64
		if info, err := os.Stat(p); err == nil {
			existing = info.Size()
		}
		if size-existing+int64(len(data)) > w.opts.MaxSizeBytes {
			return fmt.Errorf("%w: writing %q", ErrQuotaExceeded, rel)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating parent of %q: %w", rel, err)
	}
	return os.WriteFile(p, data, 0o644)
}

// WriteText is WriteFile taking a string.
func (w *Workspace) WriteText(rel, content string) error {
	return w.WriteFile(rel, []byte(content))
}

// Exists reports whether rel names an existing file or directory.
func (w *Workspace) Exists(rel string) (bool, error) {
	p, err := w.Resolve(rel)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// List returns the entries under dir, sorted by path. When recursive is set
// the whole subtree is walked.
func (w *Workspace) List(dir string, recursive bool) ([]FileInfo, error) {
	base, err := w.Resolve(dir)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	add := func(p string, info fs.FileInfo) error {
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		})
		return nil
	}

	if !recursive {
		entries, err := os.ReadDir(base)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			if err := add(filepath.Join(base, e.Name()), info); err != nil {
				return nil, err
			}
		}
	} else {
		err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == base {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return add(p, info)
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete removes a file or directory tree. The root itself cannot be deleted;
// use Destroy for that.
func (w *Workspace) Delete(rel string) error {
	p, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if p == w.root {
		return fmt.Errorf("deleting %q: path names the workspace root", rel)
	}
	return os.RemoveAll(p)
}

// Size returns the total size in bytes of all regular files in the workspace.
func (w *Workspace) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(w.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Chown hands every entry of the workspace, the root included, to uid:gid.
// Symlinks are changed themselves, never followed.
func (w *Workspace) Chown(uid, gid int) error {
	return filepath.WalkDir(w.root, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(p, uid, gid)
	})
}

// Destroy removes the whole workspace from disk.
func (w *Workspace) Destroy() error {
	return os.RemoveAll(w.root)
}

func hasRootMarker(p string) bool {
	if p == "" {
		return false
	}
	if p[0] == '/' || p[0] == '\\' || filepath.IsAbs(p) {
		return true
	}
	// Drive letters ("C:", "c:\\") regardless of host OS.
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]
		return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	}
	return false
}

func hasParentSegment(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// maxLinkHops bounds symlink expansion, matching the usual kernel limit.
const maxLinkHops = 40

// resolveLinks walks rel from root one component at a time, expanding every
// symlink it meets, and returns the real path rel names. Components that do
// not exist yet are appended as they are. A dangling link is expanded to its
// target so a later create through it is checked too.
func resolveLinks(root, rel string) (string, error) {
	cur := root
	pending := splitPath(rel)
	hops := 0
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]
		switch name {
		case ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, name)
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			cur = next
			continue
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}

		if hops++; hops > maxLinkHops {
			return "", fmt.Errorf("%s: too many levels of symbolic links", next)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			cur = filepath.VolumeName(target) + string(filepath.Separator)
		}
		pending = append(splitPath(target), pending...)
	}
	return cur, nil
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == filepath.Separator })
}
