package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/chazu/kiln/aot"
	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/metadata"
	"github.com/chazu/kiln/vm"
)

// handlePrecompileCommand prelinks containers through the AOT pipeline
// and records the per-class outcomes in the result store.
func handlePrecompileCommand(args []string) {
	var inputs []string
	var dbPath string
	initialize := false
	changes := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-db", "--db":
			if i+1 >= len(args) {
				fatalf("%s requires a path argument", args[i])
			}
			i++
			dbPath = args[i]
		case "-init":
			initialize = true
		case "-changes":
			changes = true
		case "-h", "--help":
			fmt.Fprintf(os.Stderr, "Usage: kiln precompile [-db <path>] [-init] [-changes] <containers...>\n")
			return
		default:
			if strings.HasPrefix(args[i], "-") {
				fatalf("unknown flag %s", args[i])
			}
			inputs = append(inputs, args[i])
		}
	}
	if len(inputs) == 0 {
		fatalf("no containers given (try: kiln precompile app%s)", metadata.Ext)
	}

	if dbPath == "" {
		cfg, err := config.FindAndLoad(".")
		if err != nil {
			fatalf("%v", err)
		}
		if cfg == nil {
			cfg = config.Default(".")
		}
		dbPath = cfg.DatabasePath()
	}

	ctrs, err := readContainers(inputs)
	if err != nil {
		fatalf("%v", err)
	}
	store, err := aot.OpenStore(dbPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	rt, err := vm.NewRuntime(vm.Options{})
	if err != nil {
		fatalf("%v", err)
	}
	th := rt.Attach()
	defer th.Detach()

	pipeline := aot.NewPipeline(rt, aot.Options{Initialize: initialize, Store: store})
	report, err := pipeline.Run(th, ctrs)
	if err != nil {
		fatalf("%v", err)
	}

	printReport(report)
	if changes {
		printChanges(store, report.RunID)
	}
	if report.Err() != nil {
		os.Exit(1)
	}
}

func printReport(report *aot.Report) {
	counts := map[string]int{}
	for _, res := range report.Results {
		counts[res.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)

	fmt.Printf("run %d: %d classes\n", report.RunID, len(report.Results))
	for _, st := range statuses {
		label := st
		if label == "" {
			label = "(not linked)"
		}
		fmt.Printf("  %-28s %d\n", label, counts[st])
	}
	for _, res := range report.Failed() {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", res.Descriptor, res.Failure)
	}
}

// printChanges diffs the run against the one before it.
func printChanges(store *aot.Store, runID int64) {
	prev, err := store.PreviousRun(runID)
	if errors.Is(err, aot.ErrNoRuns) {
		fmt.Println("no previous run to compare against")
		return
	}
	if err != nil {
		fatalf("%v", err)
	}
	diffs, err := store.Changes(prev, runID)
	if err != nil {
		fatalf("%v", err)
	}
	if len(diffs) == 0 {
		fmt.Printf("no changes since run %d\n", prev)
		return
	}
	fmt.Printf("changes since run %d:\n", prev)
	for _, ch := range diffs {
		from := ch.From
		if from == "" {
			from = "(absent)"
		}
		to := ch.To
		if to == "" {
			to = "(absent)"
		}
		fmt.Printf("  %s: %s -> %s\n", ch.Descriptor, from, to)
	}
}
