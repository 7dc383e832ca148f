// Package properties runs property-based tests, using
// github.com/leanovate/gopter, against the universal properties spec.md §8
// names (P1, P3, P4, P5, P6). It is a dedicated package, kept separate from
// the component unit tests: these drive the public Manager/Store/Bus
// surface black-box, the way a consumer (UI shell, HTTP transport, batch
// driver) would, rather than reaching into package internals.
package properties

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sessionkit/orchestrator/internal/agent"
	"github.com/sessionkit/orchestrator/internal/eventbus"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/store"
	"github.com/sessionkit/orchestrator/internal/worktree"
)

// scriptedStep is one entry in a scriptedBackend's replay: an optional
// delay (to give timing-sensitive properties like tool-call pairing
// something real to measure) followed by a normalized Message.
type scriptedStep struct {
	delay   time.Duration
	message agent.Message
}

// scriptedBackend satisfies agent.Backend without spawning a real agent CLI:
// it backs the *agent.Session with a trivial `true` subprocess (so
// Wait/Stop/handle bookkeeping is real) and replays a fixed Message script
// on its own goroutine, optionally writing files into the worktree first so
// autocommit has something to commit.
type scriptedBackend struct {
	writeFiles func(workDir string)
	steps      func(workDir string) []scriptedStep
}

func (b scriptedBackend) Harness() agent.Harness { return agent.HarnessClaude }

func (b scriptedBackend) ParseLine(line []byte) ([]agent.Message, error) { return nil, nil }

func (b scriptedBackend) Start(ctx context.Context, opts agent.Options, msgCh chan<- agent.Message, rawLogW io.Writer) (*agent.Session, error) {
	sess, _, err := agent.Spawn(ctx, "true", nil, opts.WorkDir, nil)
	if err != nil {
		return nil, err
	}
	if b.writeFiles != nil {
		b.writeFiles(opts.WorkDir)
	}
	steps := b.steps(opts.WorkDir)
	go func() {
		for _, st := range steps {
			if st.delay > 0 {
				time.Sleep(st.delay)
			}
			msgCh <- st.message
		}
		close(msgCh)
	}()
	return sess, nil
}

func resultOnlyBackend() agent.Backend {
	return scriptedBackend{steps: func(string) []scriptedStep {
		return []scriptedStep{{message: agent.Result{ExitCode: 0}}}
	}}
}

// newPropRepo creates a throwaway git repo with one commit — the minimum
// precondition CreateSession validates via go-git's PlainOpen/Head check.
// It has no *testing.T available (gopter generator callbacks run outside
// subtests), so setup failures panic rather than call t.Fatal; a panic here
// means a broken fixture, never a property counterexample.
func newPropRepo() string {
	dir, err := os.MkdirTemp("", "orchestrator-prop-*")
	if err != nil {
		panic(err)
	}
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			panic(fmt.Sprintf("git %v: %v\n%s", args, err, out))
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		panic(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func newPropManager(repo string, backend agent.Backend) *worktree.Manager {
	db, err := store.Open(context.Background(), filepath.Join(repo, ".orchestrator.db"), 0, nil)
	if err != nil {
		panic(err)
	}
	return &worktree.Manager{
		Git: &gitops.Ops{}, Store: db, Bus: eventbus.New(db),
		Backend: backend, AgentBin: "true",
	}
}

// ---------------------------------------------------------------------
// P1: session-worktree uniqueness. For any sequence of sessions created in
// the same repo (even with identical or empty names), their worktree paths
// and branch names are pairwise distinct.
// ---------------------------------------------------------------------

func TestSessionWorktreeUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("sessions created in one repo never share a worktree path or branch name", prop.ForAll(
		func(names []string) bool {
			repo := newPropRepo()
			defer os.RemoveAll(repo)
			mgr := newPropManager(repo, resultOnlyBackend())

			paths := map[string]bool{}
			branches := map[string]bool{}
			for _, n := range names {
				sess, err := mgr.CreateSession(context.Background(), worktree.CreateOptions{
					Name: n, InitialPrompt: "do something useful", RepoRoot: repo,
				})
				if err != nil {
					return false
				}
				if paths[sess.WorktreePath] || branches[sess.BranchName] {
					return false
				}
				paths[sess.WorktreePath] = true
				branches[sess.BranchName] = true
			}
			return true
		},
		gen.SliceOfN(4, gen.OneConstOf("", "fix-bug", "Add Feature X", "fix-bug")),
	))

	properties.TestingRun(t)
}

// ---------------------------------------------------------------------
// P3: commit-after-dirty. After Iterate with AutoCommit=true, either the
// worktree is clean or the iteration has a non-null commitSha equal to HEAD.
// ---------------------------------------------------------------------

func TestCommitAfterDirtyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("autocommit leaves the worktree clean or stamps commitSha == HEAD", prop.ForAll(
		func(content string, writeFile bool) bool {
			repo := newPropRepo()
			defer os.RemoveAll(repo)

			backend := scriptedBackend{
				writeFiles: func(workDir string) {
					if writeFile {
						_ = os.WriteFile(filepath.Join(workDir, "output.txt"), []byte(content), 0o644)
					}
				},
				steps: func(string) []scriptedStep {
					return []scriptedStep{{message: agent.Result{ExitCode: 0}}}
				},
			}
			mgr := newPropManager(repo, backend)

			sess, err := mgr.CreateSession(context.Background(), worktree.CreateOptions{
				InitialPrompt: "write a file", RepoRoot: repo, AutoCommit: true,
			})
			if err != nil {
				return false
			}

			ops := &gitops.Ops{}
			dirty, err := ops.IsDirty(context.Background(), sess.WorktreePath)
			if err != nil {
				return false
			}
			if !dirty {
				return true
			}
			head, err := ops.HeadSHA(context.Background(), sess.WorktreePath)
			if err != nil {
				return false
			}
			iterations, err := mgr.Store.ListIterationsBySession(context.Background(), sess.ID)
			if err != nil || len(iterations) == 0 {
				return false
			}
			last := iterations[len(iterations)-1]
			return last.CommitSHA != "" && last.CommitSHA == head
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// ---------------------------------------------------------------------
// P4: diff-stat consistency (metamorphic on ParseDiffNumstat). Rendering a
// synthetic numstat document from known per-file stats and parsing it back
// must reproduce the same file count and +/- line totals.
// ---------------------------------------------------------------------

func TestDiffStatConsistencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("numstat render/parse round-trips file count and +/- line totals", prop.ForAll(
		func(addeds, deleteds []int, binaries []bool) bool {
			n := len(addeds)
			if len(deleteds) < n {
				n = len(deleteds)
			}
			if len(binaries) < n {
				n = len(binaries)
			}

			var numstat string
			wantFiles, wantAdded, wantDeleted := 0, 0, 0
			for i := 0; i < n; i++ {
				path := fmt.Sprintf("file%d.go", i)
				if binaries[i] {
					numstat += fmt.Sprintf("-\t-\t%s\n", path)
				} else {
					a, d := absInt(addeds[i]), absInt(deleteds[i])
					numstat += fmt.Sprintf("%d\t%d\t%s\n", a, d, path)
					wantAdded += a
					wantDeleted += d
				}
				wantFiles++
			}

			ds := worktree.ParseDiffNumstat(numstat)
			gotFiles, gotAdded, gotDeleted := ds.Totals()
			return gotFiles == wantFiles && gotAdded == wantAdded && gotDeleted == wantDeleted
		},
		gen.SliceOfN(8, gen.IntRange(0, 999)),
		gen.SliceOfN(8, gen.IntRange(0, 999)),
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ---------------------------------------------------------------------
// P5: stream-event append-only. After any number of iterations, the
// sequence of persisted stream events observed earlier remains an unchanged
// prefix of the sequence observed later.
// ---------------------------------------------------------------------

func TestStreamEventAppendOnlyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10
	properties := gopter.NewProperties(parameters)

	properties.Property("the persisted stream-event sequence is a prefix-extension of itself across iterations", prop.ForAll(
		func(extraIterations int) bool {
			repo := newPropRepo()
			defer os.RemoveAll(repo)
			mgr := newPropManager(repo, resultOnlyBackend())

			sess, err := mgr.CreateSession(context.Background(), worktree.CreateOptions{
				InitialPrompt: "start", RepoRoot: repo,
			})
			if err != nil {
				return false
			}

			prev, err := mgr.Bus.Replay(context.Background(), sess.ID, 0)
			if err != nil {
				return false
			}
			for i := 0; i < extraIterations; i++ {
				if _, err := mgr.Iterate(context.Background(), sess.ID, "", nil); err != nil {
					return false
				}
				cur, err := mgr.Bus.Replay(context.Background(), sess.ID, 0)
				if err != nil {
					return false
				}
				if len(cur) < len(prev) {
					return false
				}
				for j := range prev {
					if prev[j].ID != cur[j].ID || prev[j].EventType != cur[j].EventType {
						return false
					}
				}
				prev = cur
			}
			return true
		},
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// ---------------------------------------------------------------------
// P6: tool-call pairing. Every persisted tool-result has a preceding
// tool-use with the same id, and its recorded duration matches the actual
// elapsed time within a generous scheduling tolerance.
// ---------------------------------------------------------------------

func TestToolCallPairingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10
	properties := gopter.NewProperties(parameters)

	properties.Property("every tool_result duration matches its matching tool_use's elapsed time", prop.ForAll(
		func(delayMs int) bool {
			repo := newPropRepo()
			defer os.RemoveAll(repo)

			delay := time.Duration(delayMs) * time.Millisecond
			backend := scriptedBackend{
				steps: func(string) []scriptedStep {
					return []scriptedStep{
						{message: agent.ToolUse{ID: "t1", ToolName: "edit_file", ArgsJSON: "{}"}},
						{delay: delay, message: agent.ToolResult{ID: "t1", Success: true, Output: "ok"}},
						{message: agent.Result{ExitCode: 0}},
					}
				},
			}
			mgr := newPropManager(repo, backend)

			sess, err := mgr.CreateSession(context.Background(), worktree.CreateOptions{
				InitialPrompt: "use a tool", RepoRoot: repo,
			})
			if err != nil {
				return false
			}

			iterations, err := mgr.Store.ListIterationsBySession(context.Background(), sess.ID)
			if err != nil || len(iterations) == 0 {
				return false
			}
			calls, err := mgr.Store.ListToolCallsByIteration(context.Background(), iterations[0].ID)
			if err != nil || len(calls) != 2 {
				return false
			}
			start, result := calls[0], calls[1]
			if start.ID != "t1" || result.ID != "t1:result" {
				return false
			}
			if result.DurationMs == nil {
				return false
			}
			got := time.Duration(*result.DurationMs) * time.Millisecond
			// Generous one-sided tolerance: scheduling jitter can only push the
			// observed duration up from the sleep we asked for, never below it.
			return got >= delay && got < delay+500*time.Millisecond
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
