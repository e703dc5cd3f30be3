// Kiln CLI - links class containers and inspects the result
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kiln/config"
	"github.com/chazu/kiln/metadata"
	"github.com/chazu/kiln/server"
	"github.com/chazu/kiln/vm"
)

func main() {
	// Subcommands own their argument parsing; peel them off before the
	// flag package sees anything.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "build":
			handleBuildCommand(os.Args[2:])
			return
		case "dump":
			handleDumpCommand(os.Args[2:])
			return
		case "precompile":
			handlePrecompileCommand(os.Args[2:])
			return
		}
	}

	verbose := flag.Bool("v", false, "Verbose output")
	configDir := flag.String("config", "", "Directory containing kiln.toml (default: walk up from .)")
	initialize := flag.Bool("init", false, "Initialize linked classes (constant initializers only)")
	serveMode := flag.Bool("serve", false, "Start the inspection service after linking")
	servePort := flag.Int("port", 0, "Inspection service port (used with --serve, overrides kiln.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kiln [options] [containers...]\n\n")
		fmt.Fprintf(os.Stderr, "Links every class from the configured boot path and the given containers,\n")
		fmt.Fprintf(os.Stderr, "then reports the outcome. Containers may be %s binaries or %s text form.\n\n",
			metadata.Ext, metadata.TextExt)
		fmt.Fprintf(os.Stderr, "Subcommands:\n")
		fmt.Fprintf(os.Stderr, "  build       Compile a text-form container to %s\n", metadata.Ext)
		fmt.Fprintf(os.Stderr, "  dump        Print layout, vtable, and interface detail per class\n")
		fmt.Fprintf(os.Stderr, "  precompile  Prelink containers and record outcomes in the AOT store\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kiln app.kmc                # Link one container\n")
		fmt.Fprintf(os.Stderr, "  kiln -init app.kmc          # Link and initialize\n")
		fmt.Fprintf(os.Stderr, "  kiln dump -selftest         # Link and dump a built-in demo container\n")
		fmt.Fprintf(os.Stderr, "  kiln --serve --port 7333    # Link the boot path, then serve\n")
		fmt.Fprintf(os.Stderr, "  kiln build app.kmt -o app.kmc\n")
		fmt.Fprintf(os.Stderr, "  kiln precompile app.kmc -changes\n")
	}
	flag.Parse()

	configureLogging(*verbose)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fatalf("%v", err)
	}

	bootCtrs, err := readContainers(cfg.BootPaths())
	if err != nil {
		fatalf("%v", err)
	}
	appCtrs, err := readContainers(append(cfg.ClassPaths(), flag.Args()...))
	if err != nil {
		fatalf("%v", err)
	}
	if len(bootCtrs)+len(appCtrs) == 0 && !*serveMode {
		flag.Usage()
		os.Exit(2)
	}

	rt, err := newRuntime(cfg, bootCtrs)
	if err != nil {
		fatalf("%v", err)
	}
	th := rt.Attach()
	defer th.Detach()

	units := make([]linkUnit, 0, len(bootCtrs)+len(appCtrs))
	for _, ctr := range bootCtrs {
		units = append(units, linkUnit{ctr: ctr})
	}
	if len(appCtrs) > 0 {
		appLoader, err := rt.NewLoader(vm.LoaderConfig{
			Name:      "app",
			Kind:      vm.LoaderStandard,
			ClassPath: appCtrs,
		})
		if err != nil {
			fatalf("%v", err)
		}
		for _, ctr := range appCtrs {
			units = append(units, linkUnit{ctr: ctr, loader: appLoader})
		}
	}

	linked, failed := linkAll(rt, th, units, *initialize, *verbose)
	st := rt.Stats()
	fmt.Printf("%d classes linked, %d failed; %d live records, %d arena bytes\n",
		linked, failed, st.LiveClasses, st.ArenaBytes)

	if *serveMode {
		addr := cfg.Server.Listen
		if *servePort != 0 {
			addr = fmt.Sprintf("127.0.0.1:%d", *servePort)
		}
		srv, err := server.New(rt)
		if err != nil {
			fatalf("%v", err)
		}
		defer srv.Stop()
		if err := srv.ListenAndServe(addr); err != nil {
			fatalf("server: %v", err)
		}
		return
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// linkUnit pairs a container with the loader that defines its classes;
// a nil loader is the boot loader.
type linkUnit struct {
	ctr    *metadata.Container
	loader *vm.Loader
}

// linkAll resolves every class the units define. Failures are reported
// and counted, not fatal: a broken class must not take down its
// container-mates.
func linkAll(rt *vm.Runtime, th *vm.Thread, units []linkUnit, initialize, verbose bool) (linked, failed int) {
	for _, u := range units {
		for i := range u.ctr.Classes {
			descriptor := u.ctr.TypeName(u.ctr.Classes[i].Descriptor)
			c, err := rt.FindClass(th, descriptor, u.loader)
			if err == nil && initialize {
				err = rt.EnsureInitialized(th, c, true, true)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "  %s: %v\n", descriptor, err)
				failed++
				continue
			}
			linked++
			if verbose {
				fmt.Printf("  %s -> %s\n", descriptor, c.Status())
			}
		}
	}
	rt.FlushVisibility(th)
	return linked, failed
}

// configureLogging wires the simple commonlog backend; -v raises the
// verbosity by one notch.
func configureLogging(verbose bool) {
	verbosity := 0
	if verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)
}

// loadConfig resolves the effective configuration: an explicit -config
// directory, the nearest kiln.toml, or the defaults.
func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(".")
	}
	return cfg, nil
}

// newRuntime builds the runtime described by cfg over the given boot
// containers.
func newRuntime(cfg *config.Config, boot []*metadata.Container) (*vm.Runtime, error) {
	mode, err := publishMode(cfg.Runtime.PublishMode)
	if err != nil {
		return nil, err
	}
	return vm.NewRuntime(vm.Options{
		HeapLimit:    cfg.Runtime.HeapLimit,
		PublishMode:  mode,
		PublishBatch: cfg.Runtime.PublishBatch,
		BootPath:     boot,
	})
}

func publishMode(s string) (vm.PublishMode, error) {
	switch s {
	case "", "auto":
		return vm.PublishAuto, nil
	case "fence":
		return vm.PublishFence, nil
	case "checkpoint":
		return vm.PublishCheckpoint, nil
	}
	return vm.PublishAuto, fmt.Errorf("unknown publish mode %q", s)
}

// readContainers loads container files, accepting both the binary and
// the text form.
func readContainers(paths []string) ([]*metadata.Container, error) {
	var out []*metadata.Container
	for _, path := range paths {
		var ctr *metadata.Container
		var err error
		if strings.HasSuffix(path, metadata.TextExt) {
			ctr, err = metadata.ReadTextFile(path)
		} else {
			ctr, err = metadata.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
		}
		out = append(out, ctr)
	}
	return out, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
