// Package procmon scans the OS process table for running agent tools and
// resolves the log files they hold open. All queries are best-effort: a
// failed or timed-out query for one PID never aborts the scan, and a
// total scan failure degrades to "no active processes this cycle".
package procmon

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ActiveProcess is one process matched to a tool, with its working
// directory mapped to the tool's expected log directory.
type ActiveProcess struct {
	PID int32

	// Cwd is the process's current working directory.
	Cwd string

	// LogDir is the directory under the tool's log root where this
	// process's sessions are expected, derived by encoding Cwd with the
	// tool's path convention. Empty when the tool does not bucket logs
	// by working directory.
	LogDir string

	// OpenLogs lists session log files under the tool's log root that
	// the process currently holds open. This is the precise liveness
	// signal; empty when FD inspection is unavailable or found nothing.
	OpenLogs []string
}

// Scanner enumerates processes for one tool per Scan call.
type Scanner struct {
	logger        *zap.Logger
	queryTimeout  time.Duration
	maxConcurrent int
}

func NewScanner(logger *zap.Logger, queryTimeout time.Duration, maxConcurrent int) *Scanner {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Scanner{
		logger:        logger,
		queryTimeout:  queryTimeout,
		maxConcurrent: maxConcurrent,
	}
}

// Scan returns the processes matching the tool binary name. logRoot is
// the tool's log root (used to resolve open log files and to skip the
// tool's own internal processes); encodeCwd maps a working directory to
// the tool's log-directory name, or nil when the tool does not encode
// working directories.
func (s *Scanner) Scan(ctx context.Context, tool, logRoot string, encodeCwd func(string) string) ([]ActiveProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		matched []ActiveProcess
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)

	for _, p := range procs {
		p := p
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
			defer cancel()

			ap, ok := s.inspect(qctx, p, tool, logRoot, encodeCwd)
			if !ok {
				return nil
			}
			mu.Lock()
			matched = append(matched, ap)
			mu.Unlock()
			return nil
		})
	}
	// Workers only ever return nil; Wait is for completion, not errors.
	_ = g.Wait()

	return matched, nil
}

// inspect checks one PID. Any query failure means "not a match" rather
// than an error: the process may have exited mid-scan, or the platform
// may not support the query without privileges.
func (s *Scanner) inspect(ctx context.Context, p *process.Process, tool, logRoot string, encodeCwd func(string) string) (ActiveProcess, bool) {
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil || len(args) == 0 {
		return ActiveProcess{}, false
	}
	exe, _ := p.ExeWithContext(ctx) // optional; cmdline alone can match

	if !MatchesTool(tool, exe, args) {
		return ActiveProcess{}, false
	}

	cwd, err := p.CwdWithContext(ctx)
	if err != nil || cwd == "" {
		return ActiveProcess{}, false
	}

	// Skip the tool's own helper processes working inside its config
	// tree; they are not user sessions.
	if configBase := filepath.Dir(logRoot); configBase != "." && isUnder(cwd, configBase) {
		return ActiveProcess{}, false
	}

	ap := ActiveProcess{PID: p.Pid, Cwd: cwd}
	if encodeCwd != nil {
		ap.LogDir = filepath.Join(logRoot, encodeCwd(cwd))
	}
	ap.OpenLogs = s.openLogFiles(ctx, p, logRoot)

	return ap, true
}

// openLogFiles inspects the process's open-file table for session logs
// under the tool's log root. Degrades to nil when the FD query fails.
func (s *Scanner) openLogFiles(ctx context.Context, p *process.Process, logRoot string) []string {
	if logRoot == "" {
		return nil
	}
	open, err := p.OpenFilesWithContext(ctx)
	if err != nil {
		s.logger.Debug("open-files query failed", zap.Int32("pid", p.Pid), zap.Error(err))
		return nil
	}

	var out []string
	for _, f := range open {
		if !strings.HasSuffix(f.Path, ".jsonl") {
			continue
		}
		if !isUnder(f.Path, logRoot) {
			continue
		}
		out = append(out, filepath.Clean(f.Path))
	}
	return out
}

// MatchesTool reports whether a process command line belongs to the named
// tool. The binary may be invoked by bare name, absolute path, or from
// inside an application bundle, so matching is a case-insensitive,
// boundary-anchored substring check on the executable and the leading
// arguments. Matches under node_modules/.bin are spawned helpers, not
// the tool itself.
func MatchesTool(tool, exe string, args []string) bool {
	tool = strings.ToLower(tool)

	candidates := make([]string, 0, 4)
	if exe != "" {
		candidates = append(candidates, exe)
	}
	// argv[0] plus the script argument for interpreter-launched tools
	// ("node /usr/local/bin/claude").
	for i, a := range args {
		if i > 2 {
			break
		}
		if strings.HasPrefix(a, "-") {
			continue
		}
		candidates = append(candidates, a)
	}

	for _, c := range candidates {
		lc := strings.ToLower(c)
		if strings.Contains(lc, "node_modules/.bin") {
			continue
		}
		if containsBounded(lc, tool) {
			return true
		}
	}
	return false
}

// containsBounded reports whether sub occurs in s anchored at
// non-alphanumeric boundaries, so "claude" matches "/usr/bin/claude" and
// "Claude.app" but not "claudette".
func containsBounded(s, sub string) bool {
	for start := 0; ; {
		idx := strings.Index(s[start:], sub)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(sub)

		beforeOK := idx == 0 || !isWordByte(s[idx-1])
		afterOK := end == len(s) || !isWordByte(s[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func isUnder(child, parent string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
