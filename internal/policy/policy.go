// Package policy resolves which structure policy a validation run is
// judged against. Resolution order: text supplied by the caller, then
// policy.txt in the project root, then policy.txt in the project's
// parent directory. File candidates are read through the tool worker
// so the same access rules apply as to every other project read.
package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"structward/internal/logging"
	"structward/internal/mcp"
)

// PolicyFileName is the file looked up in the project root and its
// parent when no policy text is supplied.
const PolicyFileName = "policy.txt"

// Policy sources, in resolution order.
const (
	SourceSupplied = "supplied"
	SourceProject  = "project"
	SourceParent   = "parent"
)

// Policy is a resolved structure policy.
type Policy struct {
	Text   string
	Source string
}

// PolicyNotFoundError reports that every candidate source came up empty.
type PolicyNotFoundError struct {
	Root string
}

func (e *PolicyNotFoundError) Error() string {
	return fmt.Sprintf("%s not found under %s or its parent, and no policy text provided", PolicyFileName, e.Root)
}

// ToolCaller is the slice of the worker transport the resolver needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error)
}

// Resolver locates the policy for a project.
type Resolver struct {
	caller ToolCaller
}

func NewResolver(caller ToolCaller) *Resolver {
	return &Resolver{caller: caller}
}

// Resolve returns the first usable policy, its text untouched.
// Supplied text short-circuits without touching the worker. File
// candidates that error, report a tool failure, or hold only
// whitespace count as misses; when every candidate misses the result
// is a PolicyNotFoundError.
func (r *Resolver) Resolve(ctx context.Context, root, supplied string) (*Policy, error) {
	if strings.TrimSpace(supplied) != "" {
		logging.PolicyDebug("using supplied policy (%d bytes)", len(supplied))
		logging.Audit().PolicyResolved(SourceSupplied, len(supplied))
		return &Policy{Text: supplied, Source: SourceSupplied}, nil
	}

	root = filepath.Clean(root)
	candidates := []struct {
		source string
		path   string
	}{
		{SourceProject, filepath.Join(root, PolicyFileName)},
		{SourceParent, filepath.Join(filepath.Dir(root), PolicyFileName)},
	}

	for _, cand := range candidates {
		text, err := r.readPolicy(ctx, cand.path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.PolicyDebug("no policy at %s: %v", cand.path, err)
			logging.Audit().PolicyMiss(cand.source, err.Error())
			continue
		}
		logging.PolicyDebug("resolved %s policy from %s (%d bytes)", cand.source, cand.path, len(text))
		logging.Audit().PolicyResolved(cand.source, len(text))
		return &Policy{Text: text, Source: cand.source}, nil
	}

	return nil, &PolicyNotFoundError{Root: root}
}

// readPolicy fetches one candidate through the worker. The worker
// reports denied or missing files as tool errors rather than transport
// failures, so both paths land here as a plain error.
func (r *Resolver) readPolicy(ctx context.Context, path string) (string, error) {
	res, err := r.caller.CallTool(ctx, "read_file", map[string]interface{}{"path": path})
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("read_file failed: %s", strings.TrimSpace(res.FirstText()))
	}
	text := res.FirstText()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("policy file %s is empty", path)
	}
	return text, nil
}
