// Package procmeta reads and caches process metadata from the /proc filesystem.
package procmeta

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// ProcessMetadata holds structured process information for expression evaluation.
type ProcessMetadata struct {
	Tgid        uint32
	Comm        string
	Environ     map[string]string // Parsed environment variables
	Args        []string          // Command-line arguments
	CmdlineFull string            // Full command line as single string
	// Issues lists parts that could not be read, such as an environ owned
	// by another user.
	Issues []string
}

// Source loads metadata for one thread group.
type Source interface {
	Load(tgid uint32) (*ProcessMetadata, error)
}

// ProcSource reads /proc/<tgid>.
type ProcSource struct {
	fs procfs.FS
}

// NewProcSource opens the procfs mounted at mountPoint.
func NewProcSource(mountPoint string) (*ProcSource, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &ProcSource{fs: fs}, nil
}

// Load reads comm, cmdline and environ. Only a missing process is an error;
// unreadable parts are recorded as issues.
func (s *ProcSource) Load(tgid uint32) (*ProcessMetadata, error) {
	p, err := s.fs.Proc(int(tgid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", tgid, err)
	}

	md := &ProcessMetadata{Tgid: tgid, Environ: map[string]string{}}
	if comm, err := p.Comm(); err == nil {
		md.Comm = comm
	} else {
		md.Issues = append(md.Issues, fmt.Sprintf("comm: %v", err))
	}
	if raw, err := p.CmdLine(); err == nil {
		md.Args, md.CmdlineFull = parseCmdline(raw)
	} else {
		md.Issues = append(md.Issues, fmt.Sprintf("cmdline: %v", err))
	}
	if raw, err := p.Environ(); err == nil {
		md.Environ = parseEnviron(raw)
	} else {
		md.Issues = append(md.Issues, fmt.Sprintf("environ: %v", err))
	}
	return md, nil
}

// parseEnviron turns KEY=VALUE entries into a map. Later duplicates win and
// entries without a key are dropped.
func parseEnviron(raw []string) map[string]string {
	env := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

func parseCmdline(raw []string) ([]string, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	return raw, strings.Join(raw, " ")
}
