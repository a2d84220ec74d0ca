package fsmon

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxScanDepth bounds recursive scans so a pathological log root cannot
// stall discovery.
const maxScanDepth = 6

// Eligible reports whether a filename is a live session log: a .jsonl
// file that has not been tombstoned (renamed to *.jsonl.deleted.*).
func Eligible(name string) bool {
	if strings.Contains(name, ".jsonl.deleted.") {
		return false
	}
	return strings.HasSuffix(name, ".jsonl")
}

// ListLogFiles returns eligible log files under root. With recursive set,
// subdirectories are descended up to a fixed depth. A missing root yields
// no files and no error.
func ListLogFiles(root string, recursive bool) []string {
	var out []string
	walkLogFiles(root, recursive, func(path string, _ fs.FileInfo) {
		out = append(out, path)
	})
	return out
}

// ListSubdirs returns the directories under root (root included),
// recursively up to the depth bound. Used to seed watchers.
func ListSubdirs(root string, recursive bool) []string {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil
	}
	out := []string{root}
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return out
		}
		for _, e := range entries {
			if e.IsDir() {
				out = append(out, filepath.Join(root, e.Name()))
			}
		}
		return out
	}
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if depthBelow(root, path) > maxScanDepth {
			return fs.SkipDir
		}
		out = append(out, path)
		return nil
	})
	return out
}

// RecentLogFiles returns up to maxCount eligible files under root whose
// mtime falls within maxAge, newest first. This is the cold-start bound:
// it keeps discovery from loading unbounded history.
func RecentLogFiles(root string, maxAge time.Duration, maxCount int, recursive bool) []string {
	type candidate struct {
		path  string
		mtime time.Time
	}
	cutoff := time.Now().Add(-maxAge)

	var candidates []candidate
	walkLogFiles(root, recursive, func(path string, info fs.FileInfo) {
		if info.ModTime().Before(cutoff) {
			return
		}
		candidates = append(candidates, candidate{path: path, mtime: info.ModTime()})
	})

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime.After(candidates[j].mtime)
	})
	if maxCount > 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.path
	}
	return out
}

// MostRecentLogFile returns the newest eligible file under root, or ""
// when none exists.
func MostRecentLogFile(root string, recursive bool) string {
	var best string
	var bestTime time.Time
	walkLogFiles(root, recursive, func(path string, info fs.FileInfo) {
		if info.ModTime().After(bestTime) {
			bestTime = info.ModTime()
			best = path
		}
	})
	return best
}

// LockedSessionFiles returns session files under root that have a
// .jsonl.lock sibling, the convention OpenClaw uses to mark a session as
// held by a live process. The second return is the set of directories
// containing at least one locked file.
func LockedSessionFiles(root string) ([]string, map[string]bool) {
	var files []string
	dirs := make(map[string]bool)

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if depthBelow(root, path) > maxScanDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".jsonl.lock") {
			return nil
		}
		sessionPath := strings.TrimSuffix(path, ".lock")
		if _, err := os.Stat(sessionPath); err != nil {
			return nil
		}
		files = append(files, sessionPath)
		dirs[filepath.Dir(sessionPath)] = true
		return nil
	})

	return files, dirs
}

// Exists reports whether the path can be stat'd.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ModifiedWithin reports whether the file's mtime falls inside the grace
// window. Missing files are simply not recent.
func ModifiedWithin(path string, window time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= window
}

func walkLogFiles(root string, recursive bool, fn func(path string, info fs.FileInfo)) {
	if recursive {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable entries
			}
			if d.IsDir() {
				if depthBelow(root, path) > maxScanDepth {
					return fs.SkipDir
				}
				return nil
			}
			if !Eligible(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			fn(path, info)
			return nil
		})
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !Eligible(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fn(filepath.Join(root, e.Name()), info)
	}
}

func depthBelow(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
