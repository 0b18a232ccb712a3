package extract

import (
	"bytes"
	"fmt"

	"github.com/jnesss/eventstrace/kmem"
	"github.com/jnesss/eventstrace/types"
)

// EnvFilter selects the single environment variable captured on exec.
type EnvFilter struct {
	// Prefix is compared against the start of each candidate variable.
	Prefix string `yaml:"prefix"`
	// MaxCandidates bounds how many variables are inspected.
	MaxCandidates int `yaml:"max_candidates"`
}

// mmRange reads the [start, end) pair at the given mm_struct offsets.
func mmRange(r kmem.Reader, l *Layout, task kmem.Addr, startOff, endOff uint64) (kmem.Addr, uint64, error) {
	mm, err := kmem.Ptr(r, task+kmem.Addr(l.Task.Mm))
	if err != nil {
		return 0, 0, fmt.Errorf("task mm: %w", err)
	}
	if mm == 0 {
		return 0, 0, fmt.Errorf("task mm: %w", kmem.ErrNullPointer)
	}
	start, err := kmem.U64(r, mm+kmem.Addr(startOff))
	if err != nil {
		return 0, 0, err
	}
	end, err := kmem.U64(r, mm+kmem.Addr(endOff))
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return kmem.Addr(start), 0, nil
	}
	return kmem.Addr(start), end - start, nil
}

// Argv copies the NUL-delimited argument vector of task into buf with one
// bounded read. buf is zeroed first and its last byte is always NUL, also
// when an error is returned.
func Argv(r kmem.Reader, l *Layout, task kmem.Addr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	clear(buf)
	defer func() { buf[len(buf)-1] = 0 }()

	start, size, err := mmRange(r, l, task, l.Mm.ArgStart, l.Mm.ArgEnd)
	if err != nil {
		return fmt.Errorf("argv: %w", err)
	}
	if size > uint64(len(buf)) {
		size = uint64(len(buf))
	}
	if size == 0 {
		return nil
	}
	if _, err := r.ReadUser(buf[:size], start); err != nil {
		return fmt.Errorf("argv: %w", err)
	}
	return nil
}

// Env scans at most min(envc, f.MaxCandidates) environment variables of task
// and leaves the first one starting with f.Prefix in buf. When none matches
// buf holds the empty string. The last byte of buf is always NUL.
func Env(r kmem.Reader, l *Layout, task, bprm kmem.Addr, f EnvFilter, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	clear(buf)
	defer func() { buf[len(buf)-1] = 0 }()

	envc, err := kmem.U32(r, bprm+kmem.Addr(l.Binprm.Envc))
	if err != nil {
		return fmt.Errorf("bprm envc: %w", err)
	}
	start, total, err := mmRange(r, l, task, l.Mm.EnvStart, l.Mm.EnvEnd)
	if err != nil {
		return fmt.Errorf("env: %w", err)
	}

	limit := f.MaxCandidates
	if int64(envc) < int64(limit) {
		limit = int(envc)
	}
	prefix := []byte(f.Prefix)
	var consumed uint64
	for n := 0; n < limit; n++ {
		if consumed >= total {
			break
		}
		size := total - consumed
		if size > uint64(len(buf)) {
			size = uint64(len(buf))
		}
		varSize, err := kmem.ReadUserString(r, buf[:size], start+kmem.Addr(consumed))
		if err != nil || varSize == 0 {
			break
		}
		consumed += uint64(varSize)
		if varSize > len(prefix) && bytes.HasPrefix(buf, prefix) {
			return nil
		}
	}
	clear(buf)
	return nil
}

// Filename copies the path the exec was requested with, as recorded in the
// linux_binprm, into buf.
func Filename(r kmem.Reader, l *Layout, bprm kmem.Addr, buf []byte) error {
	clear(buf)
	name, err := kmem.Ptr(r, bprm+kmem.Addr(l.Binprm.Filename))
	if err != nil {
		return fmt.Errorf("bprm filename: %w", err)
	}
	if name == 0 {
		return fmt.Errorf("bprm filename: %w", kmem.ErrNullPointer)
	}
	_, err = kmem.ReadKernelString(r, buf, name)
	return err
}

// Path walks from dentry towards the root through d_parent, visiting at
// most maxDepth components, and stores the names ordered root first. The
// walk stops at the dentry that is its own parent. A path deeper than the
// limit keeps its leaf-most components.
func Path(r kmem.Reader, l *Layout, dentry kmem.Addr, maxDepth int, p *types.FilePath) error {
	if maxDepth > types.PathMaxComponents || maxDepth <= 0 {
		maxDepth = types.PathMaxComponents
	}
	var out types.FilePath
	n := 0
	d := dentry
	for i := 0; i < maxDepth && d != 0; i++ {
		parent, err := kmem.Ptr(r, d+kmem.Addr(l.Dentry.Parent))
		if err != nil {
			return fmt.Errorf("dentry parent: %w", err)
		}
		if parent == d {
			break
		}
		name, err := kmem.Ptr(r, d+kmem.Addr(l.Dentry.NameName))
		if err != nil {
			return fmt.Errorf("dentry name: %w", err)
		}
		if _, err := kmem.ReadKernelString(r, out.Components[n][:], name); err != nil {
			return fmt.Errorf("dentry name: %w", err)
		}
		n++
		d = parent
	}
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		out.Components[i], out.Components[j] = out.Components[j], out.Components[i]
	}
	out.Len = uint32(n)
	*p = out
	return nil
}
