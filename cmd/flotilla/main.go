package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/flotillahq/flotilla/internal/claim"
	"github.com/flotillahq/flotilla/internal/events"
	"github.com/flotillahq/flotilla/internal/mate"
	"github.com/flotillahq/flotilla/internal/model"
	"github.com/flotillahq/flotilla/internal/runstore"
	"github.com/flotillahq/flotilla/internal/setup"
	"github.com/flotillahq/flotilla/internal/status"
	"github.com/flotillahq/flotilla/internal/tracker"
	"github.com/flotillahq/flotilla/internal/worker"
	"github.com/flotillahq/flotilla/internal/workflow"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "claim":
		runClaim(os.Args[2:])
	case "release":
		runRelease(os.Args[2:])
	case "transition":
		runTransition(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "checkpoint":
		runCheckpoint(os.Args[2:])
	case "gc":
		runGC(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "mate":
		runMate(os.Args[2:])
	case "worker":
		runWorkerCmd(os.Args[2:])
	case "workflow":
		runWorkflow(os.Args[2:])
	case "version":
		fmt.Printf("flotilla %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	name := fs.String("name", "", "project name (defaults to directory basename)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flotilla setup [--name <name>] <project_dir>")
		os.Exit(1)
	}
	if err := setup.Run(fs.Arg(0), *name); err != nil {
		fatal("setup", err)
	}
	absDir, _ := filepath.Abs(fs.Arg(0))
	fmt.Printf("Initialized %s in %s\n", setup.FlotillaDirName, absDir)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	initiative := fs.String("initiative", "", "initiative this run belongs to")
	priority := fs.Int("priority", 0, "scheduling priority (lower sorts first)")
	depends := fs.String("depends", "", "comma-separated run ids this run depends on")
	files := fs.String("files", "", "comma-separated files the run intends to touch")
	proposed := fs.Bool("proposed", false, "create in state proposed instead of ready")
	actor := fs.String("actor", "", "actor recorded on the created event")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flotilla init [flags] <plan.md>")
		os.Exit(1)
	}

	flotillaDir := mustFindFlotillaDir()
	cfg := mustLoadConfig(flotillaDir)
	trk := tracker.NewClient(cfg.Tracker.Binary)

	run, err := setup.InitRun(flotillaDir, fs.Arg(0), trk, setup.InitRunOptions{
		Initiative:   *initiative,
		Priority:     *priority,
		DependsOn:    splitList(*depends),
		FilesTouched: splitList(*files),
		Proposed:     *proposed,
		Actor:        *actor,
	})
	if err != nil {
		fatal("init", err)
	}
	fmt.Printf("%s  %s  %q\n", run.ID, run.State, run.Intent)
}

func runClaim(args []string) {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	agent := fs.String("agent", "", "claiming agent id (required)")
	ttlMin := fs.Int("ttl", 0, "claim TTL in minutes (defaults from config)")
	force := fs.Bool("force", false, "override a live claim or file conflict")
	fs.Parse(args)
	if fs.NArg() != 1 || *agent == "" {
		fmt.Fprintln(os.Stderr, "usage: flotilla claim --agent <id> [--ttl <min>] [--force] <run_id>")
		os.Exit(1)
	}

	flotillaDir := mustFindFlotillaDir()
	cfg := mustLoadConfig(flotillaDir)
	ttl := time.Duration(cfg.Claims.TTLMinutes()) * time.Minute
	if *ttlMin > 0 {
		ttl = time.Duration(*ttlMin) * time.Minute
	}

	coordinator, closeLog := openCoordinator(flotillaDir)
	defer closeLog()

	run, err := coordinator.Claim(fs.Arg(0), *agent, ttl, *force)
	if err != nil {
		fatal("claim", err)
	}
	fmt.Printf("%s claimed by %s until %s\n", run.ID, *agent, *run.ClaimExpires)
}

func runRelease(args []string) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	agent := fs.String("agent", "", "releasing agent id (required)")
	force := fs.Bool("force", false, "release a claim held by another agent")
	fs.Parse(args)
	if fs.NArg() != 1 || *agent == "" {
		fmt.Fprintln(os.Stderr, "usage: flotilla release --agent <id> [--force] <run_id>")
		os.Exit(1)
	}

	flotillaDir := mustFindFlotillaDir()
	coordinator, closeLog := openCoordinator(flotillaDir)
	defer closeLog()

	if err := coordinator.Release(fs.Arg(0), *agent, *force); err != nil {
		fatal("release", err)
	}
	fmt.Printf("%s released\n", fs.Arg(0))
}

func runTransition(args []string) {
	fs := flag.NewFlagSet("transition", flag.ExitOnError)
	agent := fs.String("agent", "", "acting agent id (required)")
	note := fs.String("note", "", "optional note recorded on the transition")
	fs.Parse(args)
	if fs.NArg() != 2 || *agent == "" {
		fmt.Fprintln(os.Stderr, "usage: flotilla transition --agent <id> [--note <text>] <run_id> <to_state>")
		os.Exit(1)
	}
	runID, toState := fs.Arg(0), fs.Arg(1)

	flotillaDir := mustFindFlotillaDir()
	store := runstore.NewVersionedStore(runstore.NewStore(flotillaDir))

	run, ver, err := store.LoadVersioned(runID)
	if err != nil {
		fatal("transition", err)
	}
	from := run.State
	if err := model.ApplyTransition(run, toState, *agent, *note, time.Now()); err != nil {
		fatal("transition", err)
	}
	if _, err := store.SaveIfFresh(run, ver); err != nil {
		fatal("transition", err)
	}

	if eventLog, err := runstore.OpenEventLog(flotillaDir); err == nil {
		eventLog.Append(events.EventRunTransitioned, runID, map[string]any{
			"from": from, "to": toState, "actor": *agent,
		})
		eventLog.Close()
	}

	// Completing a run closes its tracker task, best effort.
	if toState == model.StateComplete && run.Tracker != nil && run.Tracker.TaskID != "" {
		cfg := mustLoadConfig(flotillaDir)
		trk := tracker.NewClient(cfg.Tracker.Binary)
		if err := trk.CloseTask(context.Background(), run.Tracker.TaskID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: tracker task %s not closed: %v\n", run.Tracker.TaskID, err)
		}
	}
	fmt.Printf("%s: %s -> %s\n", runID, from, toState)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	kind := fs.String("kind", model.VerificationAutomated, "verification kind: automated or uat")
	passed := fs.Bool("passed", false, "whether verification passed")
	note := fs.String("note", "", "optional note")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flotilla verify [--kind automated|uat] [--passed] [--note <text>] <run_id>")
		os.Exit(1)
	}
	runID := fs.Arg(0)

	flotillaDir := mustFindFlotillaDir()
	store := runstore.NewVersionedStore(runstore.NewStore(flotillaDir))

	run, ver, err := store.LoadVersioned(runID)
	if err != nil {
		fatal("verify", err)
	}
	if err := run.RecordVerification(*kind, *passed, *note, time.Now()); err != nil {
		fatal("verify", err)
	}
	if _, err := store.SaveIfFresh(run, ver); err != nil {
		fatal("verify", err)
	}

	if eventLog, err := runstore.OpenEventLog(flotillaDir); err == nil {
		eventLog.Append(events.EventRunVerified, runID, map[string]any{
			"kind": *kind, "passed": *passed,
		})
		eventLog.Close()
	}
	fmt.Printf("%s: %s verification recorded (passed=%v)\n", runID, *kind, *passed)
}

func runCheckpoint(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	note := fs.String("note", "", "optional note")
	fs.Parse(args)
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: flotilla checkpoint [--note <text>] <run_id> <name>")
		os.Exit(1)
	}
	runID, name := fs.Arg(0), fs.Arg(1)

	flotillaDir := mustFindFlotillaDir()
	store := runstore.NewVersionedStore(runstore.NewStore(flotillaDir))

	run, ver, err := store.LoadVersioned(runID)
	if err != nil {
		fatal("checkpoint", err)
	}
	run.AddCheckpoint(name, *note, time.Now())
	if _, err := store.SaveIfFresh(run, ver); err != nil {
		fatal("checkpoint", err)
	}
	fmt.Printf("%s: checkpoint %q recorded\n", runID, name)
}

func runGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	fs.Parse(args)

	flotillaDir := mustFindFlotillaDir()
	cfg := mustLoadConfig(flotillaDir)

	coordinator, closeLog := openCoordinator(flotillaDir)
	defer closeLog()

	cleared, err := coordinator.GC()
	if err != nil {
		fatal("gc", err)
	}
	for _, id := range cleared {
		fmt.Printf("cleared expired claim on %s\n", id)
	}

	registry := openRegistry(flotillaDir, cfg)
	released, err := registry.GC()
	if err != nil {
		fatal("gc", err)
	}
	for _, name := range released {
		fmt.Printf("released stale mate %s\n", name)
	}

	if len(cleared) == 0 && len(released) == 0 {
		fmt.Println("nothing to collect")
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "emit JSON")
	fs.Parse(args)

	flotillaDir := mustFindFlotillaDir()
	summary, err := status.NewReporter(runstore.NewStore(flotillaDir)).Summarize()
	if err != nil {
		fatal("status", err)
	}
	if *jsonOutput {
		if err := summary.WriteJSON(os.Stdout); err != nil {
			fatal("status", err)
		}
		return
	}
	summary.WriteText(os.Stdout)
}

func runMate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: flotilla mate <register|claim|release|gc> [options]")
		os.Exit(1)
	}

	flotillaDir := mustFindFlotillaDir()
	cfg := mustLoadConfig(flotillaDir)
	registry := openRegistry(flotillaDir, cfg)

	switch args[0] {
	case "register":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: flotilla mate register <name>")
			os.Exit(1)
		}
		if _, err := registry.Register(args[1]); err != nil {
			fatal("mate register", err)
		}
		fmt.Printf("registered mate %s\n", args[1])
	case "claim":
		fs := flag.NewFlagSet("mate claim", flag.ExitOnError)
		session := fs.String("session", "", "session identifier (required)")
		fs.Parse(args[1:])
		if fs.NArg() != 1 || *session == "" {
			fmt.Fprintln(os.Stderr, "usage: flotilla mate claim --session <id> <name>")
			os.Exit(1)
		}
		m, err := registry.Claim(fs.Arg(0), os.Getpid(), *session)
		if err != nil {
			fatal("mate claim", err)
		}
		fmt.Printf("claimed mate %s (pid %d)\n", m.Name, *m.ClaimedBy)
	case "release":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: flotilla mate release <name>")
			os.Exit(1)
		}
		if err := registry.Release(args[1]); err != nil {
			fatal("mate release", err)
		}
		fmt.Printf("released mate %s\n", args[1])
	case "gc":
		released, err := registry.GC()
		if err != nil {
			fatal("mate gc", err)
		}
		if len(released) == 0 {
			fmt.Println("no stale mates")
			return
		}
		for _, name := range released {
			fmt.Printf("released stale mate %s\n", name)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mate subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runWorkerCmd(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	mateName := fs.String("mate", "", "mate identity to claim (required)")
	agent := fs.String("agent", "", "agent id used for run claims (required)")
	session := fs.String("session", "", "session identifier (required)")
	fs.Parse(args)
	if *mateName == "" || *agent == "" || *session == "" {
		fmt.Fprintln(os.Stderr, "usage: flotilla worker --mate <name> --agent <id> --session <id>")
		os.Exit(1)
	}

	flotillaDir := mustFindFlotillaDir()
	cfg := mustLoadConfig(flotillaDir)

	store := runstore.NewVersionedStore(runstore.NewStore(flotillaDir))
	coordinator, closeLog := openCoordinator(flotillaDir)
	defer closeLog()
	registry := openRegistry(flotillaDir, cfg)

	w := worker.New(worker.Options{
		MateName:       *mateName,
		AgentID:        *agent,
		Session:        *session,
		PollInterval:   time.Duration(cfg.Worker.PollInterval()) * time.Second,
		RunTimeout:     time.Duration(cfg.Worker.RunTimeout()) * time.Minute,
		OverallTimeout: time.Duration(cfg.Worker.OverallTimeout()) * time.Minute,
		ClaimTTL:       time.Duration(cfg.Claims.TTLMinutes()) * time.Minute,
	}, registry, coordinator, store)
	w.WithLogger(log.New(os.Stderr, "", 0), worker.ParseLogLevel(cfg.Logging.Level))

	result, err := w.Run(context.Background())
	if err != nil {
		fatal("worker", err)
	}
	fmt.Printf("worker finished: %s (%d runs handled)\n", result.Outcome, len(result.Handled))
	for _, report := range result.Handled {
		fmt.Printf("  %s  %s  %s\n", report.RunID, report.Outcome, report.EndState)
	}
}

func runWorkflow(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: flotilla workflow <run|step> [options] <definition.yaml>")
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		runWorkflowExec(args[1:], false)
	case "step":
		runWorkflowExec(args[1:], true)
	default:
		fmt.Fprintf(os.Stderr, "unknown workflow subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runWorkflowExec(args []string, single bool) {
	fs := flag.NewFlagSet("workflow", flag.ExitOnError)
	instanceID := fs.String("instance", "", "resume an existing instance id")
	outputsDir := fs.String("outputs", "", "directory holding <step>.yaml output files")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flotilla workflow <run|step> [--instance <id>] [--outputs <dir>] <definition.yaml>")
		os.Exit(1)
	}

	flotillaDir := mustFindFlotillaDir()

	def, err := workflow.LoadDefinition(fs.Arg(0))
	if err != nil {
		fatal("workflow", err)
	}

	instances := workflow.NewInstanceStore(flotillaDir)
	var inst *workflow.Instance
	if *instanceID != "" {
		inst, err = instances.Load(*instanceID)
		if err != nil {
			fatal("workflow", err)
		}
	} else {
		id, err := model.GenerateID(model.IDTypeInstance)
		if err != nil {
			fatal("workflow", err)
		}
		inst = workflow.NewInstance(id, def, time.Now())
		if err := instances.Save(inst); err != nil {
			fatal("workflow", err)
		}
		fmt.Printf("instance %s\n", inst.ID)
	}

	audit, err := events.NewAuditLogger(filepath.Join(flotillaDir, "logs", "workflows"+events.LogFileExtension), 0)
	if err != nil {
		fatal("workflow", err)
	}
	defer audit.Close()

	hooks := workflow.Hooks{
		OnStepStart: func(inst *workflow.Instance, step *workflow.Step) {
			fmt.Printf("step %s\n", step.ID)
		},
		OnComplete: func(inst *workflow.Instance) {
			fmt.Printf("workflow %s complete at %s\n", inst.WorkflowName, inst.CurrentStep)
		},
	}
	executor := workflow.NewExecutor(def, instances, fileCollector(*outputsDir), hooks, audit)

	var result workflow.Result
	if single {
		result, err = executor.Step(context.Background(), inst)
	} else {
		result, err = executor.Run(context.Background(), inst)
	}
	if err != nil {
		fatal("workflow", err)
	}
	switch {
	case result.Aborted:
		fmt.Printf("aborted at %s after %d steps\n", result.CurrentStep, result.StepsCompleted)
	case result.Terminal:
		fmt.Printf("terminal at %s after %d steps\n", result.CurrentStep, result.StepsCompleted)
	default:
		fmt.Printf("paused at %s\n", result.CurrentStep)
	}
}

// fileCollector reads a step's outputs from <dir>/<step>.yaml. A missing file
// means the step yields no outputs; "abort: true" in the mapping aborts.
func fileCollector(dir string) workflow.OutputCollector {
	return workflow.CollectorFunc(func(_ context.Context, _ *workflow.Instance, step *workflow.Step) (map[string]any, bool, error) {
		if dir == "" {
			return nil, false, nil
		}
		data, err := os.ReadFile(filepath.Join(dir, step.ID+".yaml"))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		var outputs map[string]any
		if err := yamlv3.Unmarshal(data, &outputs); err != nil {
			return nil, false, fmt.Errorf("parse outputs for step %s: %w", step.ID, err)
		}
		if abort, ok := outputs["abort"].(bool); ok && abort {
			return nil, true, nil
		}
		return outputs, false, nil
	})
}

func openCoordinator(flotillaDir string) (*claim.Coordinator, func()) {
	store := runstore.NewVersionedStore(runstore.NewStore(flotillaDir))
	eventLog, err := runstore.OpenEventLog(flotillaDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: event log unavailable: %v\n", err)
		return claim.NewCoordinator(store, nil), func() {}
	}
	return claim.NewCoordinator(store, eventLog), func() { eventLog.Close() }
}

func openRegistry(flotillaDir string, cfg *model.Config) *mate.Registry {
	return mate.NewRegistry(
		flotillaDir,
		time.Duration(cfg.Mates.LockTimeout())*time.Second,
		time.Duration(cfg.Mates.StaleSession())*time.Minute,
	)
}

func mustFindFlotillaDir() string {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: cannot determine working directory")
		os.Exit(1)
	}
	for {
		candidate := filepath.Join(dir, setup.FlotillaDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			fmt.Fprintf(os.Stderr, "error: %s directory not found. Run 'flotilla setup <dir>' first.\n", setup.FlotillaDirName)
			os.Exit(1)
		}
		dir = parent
	}
}

func mustLoadConfig(flotillaDir string) *model.Config {
	cfg, err := model.LoadConfig(filepath.Join(flotillaDir, "config.yaml"))
	if err != nil {
		fatal("load config", err)
	}
	return cfg
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fatal(op string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `flotilla %s - file-coordinated run lifecycle manager

Usage: flotilla <command> [options]

Project:
  setup [--name <n>] <dir>    Initialize .flotilla/ directory
  init [flags] <plan.md>      Create a run from a plan document
  status [--json]             Summarize runs, claims, and blockers

Runs:
  claim --agent <id> [--ttl <min>] [--force] <run_id>
  release --agent <id> [--force] <run_id>
  transition --agent <id> [--note <text>] <run_id> <to_state>
  verify [--kind automated|uat] [--passed] [--note <text>] <run_id>
  checkpoint [--note <text>] <run_id> <name>
  gc                          Clear expired claims and stale mates

Mates:
  mate register <name>
  mate claim --session <id> <name>
  mate release <name>
  mate gc

Workers:
  worker --mate <name> --agent <id> --session <id>

Workflows:
  workflow run [--instance <id>] [--outputs <dir>] <definition.yaml>
  workflow step --instance <id> [--outputs <dir>] <definition.yaml>

  version                     Show version
  help                        Show this help
`, version)
}
