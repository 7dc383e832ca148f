package worktree

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/sessionkit/orchestrator/internal/gitops"
)

// maxBinarySize is the threshold above which a binary file added to the
// diff is flagged for manual review before merge.
const maxBinarySize = 500 * 1024

// SafetyIssueKind classifies a preflight safety finding.
type SafetyIssueKind string

const (
	IssueLargeBinary SafetyIssueKind = "large_binary"
	IssueSecret      SafetyIssueKind = "secret"
)

// SafetyIssue is one finding surfaced during preflight, per spec.md's
// requirement that safety scanning feed the merge preflight report rather
// than run as a separate, easy-to-skip step.
type SafetyIssue struct {
	File   string
	Kind   SafetyIssueKind
	Detail string
}

var (
	gitleaksDetector     *detect.Detector
	gitleaksDetectorOnce sync.Once
)

func getDetector() *detect.Detector {
	gitleaksDetectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return
		}
		gitleaksDetector = d
	})
	return gitleaksDetector
}

// CheckSafety scans a branch's diff against base for large binaries and
// likely secrets. A non-nil error means the underlying git inspection
// itself failed, not that a safety problem was found.
func CheckSafety(ctx context.Context, ops *gitops.Ops, worktreePath, branch, base string, ds DiffStat) ([]SafetyIssue, error) {
	var issues []SafetyIssue

	for _, f := range ds {
		if !f.Binary {
			continue
		}
		size, err := ops.BlobSize(ctx, worktreePath, branch, f.Path)
		if err != nil {
			continue // file was likely deleted in this diff; nothing to size-check
		}
		if size > maxBinarySize {
			issues = append(issues, SafetyIssue{
				File: f.Path, Kind: IssueLargeBinary,
				Detail: fmt.Sprintf("binary file is %s (limit %s)", humanSize(size), humanSize(maxBinarySize)),
			})
		}
	}

	secretIssues, err := scanDiffForSecrets(ctx, ops, worktreePath, branch, base)
	if err != nil {
		return issues, err
	}
	issues = append(issues, secretIssues...)
	return issues, nil
}

// scanDiffForSecrets runs each file's added lines from the base...branch
// diff through the gitleaks detector, deduped per file+rule.
func scanDiffForSecrets(ctx context.Context, ops *gitops.Ops, worktreePath, branch, base string) ([]SafetyIssue, error) {
	byFile, err := ops.DiffAddedLines(ctx, worktreePath, base, branch)
	if err != nil {
		return nil, fmt.Errorf("scan diff for secrets: %w", err)
	}
	det := getDetector()
	if det == nil {
		return nil, nil
	}

	var issues []SafetyIssue
	seen := make(map[string]bool)
	for file, lines := range byFile {
		for _, added := range lines {
			for _, finding := range det.DetectString(added) {
				if finding.Secret == "" {
					continue
				}
				key := file + ":" + finding.RuleID
				if seen[key] {
					continue
				}
				seen[key] = true
				issues = append(issues, SafetyIssue{
					File: file, Kind: IssueSecret,
					Detail: fmt.Sprintf("possible %s detected", finding.Description),
				})
			}
		}
	}
	return issues, nil
}

func humanSize(b int64) string {
	switch {
	case b >= 1024*1024:
		return strconv.FormatFloat(float64(b)/(1024*1024), 'f', 1, 64) + " MB"
	case b >= 1024:
		return strconv.FormatFloat(float64(b)/1024, 'f', 0, 64) + " KB"
	default:
		return strconv.FormatInt(b, 10) + " B"
	}
}
