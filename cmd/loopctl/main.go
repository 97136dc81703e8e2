// Command loopctl is the thin CLI entrypoint over internal/loopctl: `start`
// bootstraps a run's git branch and identity triple, `step` runs exactly one
// iteration, `run` loops until complete/stuck/limit. Hand-rolled
// switch-on-args dispatch, grounded on cmd/kilroy/main.go — deliberately
// not a CLI framework even though cobra appears elsewhere in the pack; see
// SPEC_FULL.md's Ambient Stack note and DESIGN.md.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loopctl/loopctl/internal/loopctl/config"
	"github.com/loopctl/loopctl/internal/loopctl/errs"
	"github.com/loopctl/loopctl/internal/loopctl/gitmgr"
	"github.com/loopctl/loopctl/internal/loopctl/loop"
	"github.com/loopctl/loopctl/internal/loopctl/orchestrator"
	"github.com/loopctl/loopctl/internal/loopctl/runident"
	"github.com/loopctl/loopctl/internal/loopctl/runstate"
	"github.com/loopctl/loopctl/internal/loopctl/tree"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "step":
		cmdStep(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "--version", "-v", "version":
		fmt.Println("loopctl 0.1.0")
		os.Exit(0)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  loopctl start --repo <dir> --goal <file> [--root-max-attempts <n>]")
	fmt.Fprintln(os.Stderr, "  loopctl step --repo <dir> --goal <file> --decomposer <cmd> [--decomposer-arg <arg>]... --executor <cmd> [--executor-arg <arg>]...")
	fmt.Fprintln(os.Stderr, "  loopctl run --repo <dir> --goal <file> --decomposer <cmd> [--decomposer-arg <arg>]... --executor <cmd> [--executor-arg <arg>]...")
}

// agentFlags accumulates a command and its repeated trailing args, parsed
// with the teacher's --force-model-style repeated-flag pattern.
type agentFlags struct {
	argv []string
}

func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
}

func cmdStart(args []string) {
	var repo, goalPath string
	var rootMaxAttempts int
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--repo":
			i++
			repo = requireVal(args, i, "--repo")
		case "--goal":
			i++
			goalPath = requireVal(args, i, "--goal")
		case "--root-max-attempts":
			i++
			rootMaxAttempts = parseInt(requireVal(args, i, "--root-max-attempts"), 0)
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if repo == "" || goalPath == "" {
		usage()
		os.Exit(1)
	}
	if rootMaxAttempts <= 0 {
		rootMaxAttempts = 3
	}

	goalDoc, err := os.ReadFile(goalPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runID, err := runident.Resolve(repo, goalDoc)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	branch := runident.Branch(runID)
	if err := gitmgr.EnsureBranch(repo, branch); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	stateDir := filepath.Join(repo, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	treePath := filepath.Join(stateDir, "tree.json")
	if _, err := os.Stat(treePath); os.IsNotExist(err) {
		root := &tree.Tree{Root: &tree.Node{
			ID:          "1",
			Order:       0,
			Title:       "root",
			Goal:        string(goalDoc),
			Next:        tree.NextDecompose,
			MaxAttempts: rootMaxAttempts,
		}}
		if err := tree.Write(treePath, root); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	runStatePath := filepath.Join(stateDir, "run_state.json")
	if _, err := os.Stat(runStatePath); os.IsNotExist(err) {
		if err := runstate.Write(runStatePath, &runstate.State{RunID: runID, NextIter: 1}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if _, err := gitmgr.CommitIteration(repo, nil, fmt.Sprintf("chore(loop): bootstrap run %s", runID)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("run_id=%s\n", runID)
	fmt.Printf("branch=%s\n", branch)
	os.Exit(0)
}

func cmdStep(args []string) {
	p, deps := parseStepArgs(args)
	ctx, cleanup := signalContext()
	defer cleanup()

	out, err := orchestrator.Step(ctx, p, deps)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForStepError(err))
	}
	printOutcome(out)
	os.Exit(0)
}

func cmdRun(args []string) {
	p, deps := parseStepArgs(args)
	ctx, cleanup := signalContext()
	defer cleanup()

	cfgBytes, err := os.ReadFile(p.ConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgBytes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	res := loop.Run(ctx, p, deps, cfg.MaxIterations)
	for _, out := range res.Outcomes {
		printOutcome(out)
	}
	if res.Err != nil {
		fmt.Fprintln(os.Stderr, res.Err)
	}
	os.Exit(int(res.Code))
}

func parseStepArgs(args []string) (orchestrator.Paths, orchestrator.Deps) {
	var repo, goalPath string
	var decomposer, executor agentFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--repo":
			i++
			repo = requireVal(args, i, "--repo")
		case "--goal":
			i++
			goalPath = requireVal(args, i, "--goal")
		case "--decomposer":
			i++
			decomposer.argv = []string{requireVal(args, i, "--decomposer")}
		case "--decomposer-arg":
			i++
			decomposer.argv = append(decomposer.argv, requireVal(args, i, "--decomposer-arg"))
		case "--executor":
			i++
			executor.argv = []string{requireVal(args, i, "--executor")}
		case "--executor-arg":
			i++
			executor.argv = append(executor.argv, requireVal(args, i, "--executor-arg"))
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if repo == "" || goalPath == "" || len(decomposer.argv) == 0 || len(executor.argv) == 0 {
		usage()
		os.Exit(1)
	}
	return orchestrator.Paths{RepoDir: repo, GoalDoc: goalPath}, orchestrator.Deps{
		DecomposerArgv: decomposer.argv,
		ExecutorArgv:   executor.argv,
	}
}

func parseInt(s string, def int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func requireVal(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}

func printOutcome(out orchestrator.Outcome) {
	fmt.Printf("run_id=%s iter=%d selected=%s status=%s guard=%s\n", out.RunID, out.Iter, out.SelectedID, out.Status, out.Guard)
}

func exitCodeForStepError(err error) int {
	switch err.(type) {
	case *errs.PreconditionError, *errs.LoadError:
		return 2
	case *errs.StuckError:
		return 3
	default:
		return 1
	}
}
