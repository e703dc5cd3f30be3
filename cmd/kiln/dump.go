package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chazu/kiln/metadata"
	"github.com/chazu/kiln/vm"
)

// handleDumpCommand links the given containers on the boot loader and
// prints per-class detail: layout, vtable, interface tables, and the
// interface method table. With -selftest it links a small built-in
// demonstration container instead of reading any from disk.
func handleDumpCommand(args []string) {
	var inputs []string
	var only string
	initialize := false
	selftest := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-class", "--class":
			if i+1 >= len(args) {
				fatalf("%s requires a descriptor argument", args[i])
			}
			i++
			only = args[i]
		case "-init":
			initialize = true
		case "-selftest", "--selftest":
			selftest = true
		case "-h", "--help":
			fmt.Fprintf(os.Stderr, "Usage: kiln dump [-class <descriptor>] [-init] <containers...>\n")
			fmt.Fprintf(os.Stderr, "       kiln dump -selftest [-init]\n")
			return
		default:
			if strings.HasPrefix(args[i], "-") {
				fatalf("unknown flag %s", args[i])
			}
			inputs = append(inputs, args[i])
		}
	}

	var ctrs []*metadata.Container
	if selftest {
		if len(inputs) > 0 {
			fatalf("-selftest takes no container arguments")
		}
		ctrs = []*metadata.Container{selftestContainer()}
	} else {
		if len(inputs) == 0 {
			fatalf("no containers given (try: kiln dump app%s)", metadata.Ext)
		}
		var err error
		ctrs, err = readContainers(inputs)
		if err != nil {
			fatalf("%v", err)
		}
	}
	rt, err := vm.NewRuntime(vm.Options{BootPath: ctrs})
	if err != nil {
		fatalf("%v", err)
	}
	th := rt.Attach()
	defer th.Detach()

	var descriptors []string
	if only != "" {
		descriptors = []string{only}
	} else {
		for _, ctr := range ctrs {
			for i := range ctr.Classes {
				descriptors = append(descriptors, ctr.TypeName(ctr.Classes[i].Descriptor))
			}
		}
	}

	failed := 0
	for _, d := range descriptors {
		c, err := rt.FindClass(th, d, nil)
		if err == nil && initialize {
			err = rt.EnsureInitialized(th, c, true, true)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", d, err)
			failed++
			continue
		}
		printClass(rt, c)
	}
	rt.FlushVisibility(th)
	if failed > 0 {
		os.Exit(1)
	}
}

// selftestContainer assembles a demonstration container in memory: an
// interface with a default method, a base class, and a subclass whose
// field mix spreads across the layout buckets.
func selftestContainer() *metadata.Container {
	b := metadata.NewBuilder("selftest")
	b.Class("Ldemo/Greeter;", metadata.AccPublic|metadata.AccInterface|metadata.AccAbstract).
		Method("greet", "()V", metadata.AccPublic|metadata.AccAbstract, 0).
		Method("wave", "()V", metadata.AccPublic, 41)
	b.Class("Ldemo/Base;", metadata.AccPublic).
		Field("next", "Ldemo/Base;", metadata.AccPrivate).
		Field("count", "J", metadata.AccPrivate).
		Method("greet", "()V", metadata.AccPublic, 42)
	b.Class("Ldemo/Widget;", metadata.AccPublic).
		Super("Ldemo/Base;").
		Implements("Ldemo/Greeter;").
		Field("weight", "I", metadata.AccPrivate).
		Field("tag", "B", metadata.AccPrivate).
		StaticField("instances", "I", metadata.AccPublic, metadata.IntInit(0)).
		Method("greet", "()V", metadata.AccPublic, 43)
	return b.MustBuild()
}

func printClass(rt *vm.Runtime, c *vm.Class) {
	var attrs []string
	if c.IsInterface() {
		attrs = append(attrs, "interface")
	}
	if c.IsAbstract() {
		attrs = append(attrs, "abstract")
	}
	if c.IsFinal() {
		attrs = append(attrs, "final")
	}
	qual := ""
	if len(attrs) > 0 {
		qual = " " + strings.Join(attrs, " ")
	}
	fmt.Printf("%s (0x%04x%s) status=%s loader=%s\n",
		c.Descriptor(), c.AccessFlags(), qual, c.Status(), loaderName(c.DefiningLoader()))
	if err := c.Failure(); err != nil {
		fmt.Printf("  failure: %v\n", err)
	}
	if sup := c.Super(); sup != nil {
		fmt.Printf("  super %s\n", sup.Descriptor())
	}
	fmt.Printf("  size: object=%d static=%d refs=%d bitmap=%s\n",
		c.ObjectSize(), c.StaticSize(), c.NumReferenceFields(), bitmapString(c.ReferenceOffsets()))

	printVTable(rt, c)
	printIfTable(rt, c)
	printImt(rt, c)
	printFields(c)
	fmt.Println()
}

func printVTable(rt *vm.Runtime, c *vm.Class) {
	vt := c.VTable()
	if len(vt) == 0 {
		return
	}
	note := "owned"
	if owner := c.VTableOwner(); owner != c.Handle() {
		note = fmt.Sprintf("inherited from %s", ownerDescriptor(rt, owner))
	}
	fmt.Printf("  vtable (%d slots, %s):\n", len(vt), note)
	for i, m := range vt {
		var marks []string
		if m.IsCopied() {
			marks = append(marks, "copied")
		}
		if m.IsAbstract() {
			marks = append(marks, "abstract")
		}
		if m.IsDefaultConflict() {
			marks = append(marks, "conflict")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ",") + "]"
		}
		fmt.Printf("    [%2d] %s%s%s\n", i, m.Name(), m.Signature(), suffix)
		if m.DeclaringClass() != c {
			fmt.Printf("         from %s\n", m.DeclaringClass().Descriptor())
		}
	}
}

func printIfTable(rt *vm.Runtime, c *vm.Class) {
	ift := c.IfTable()
	if len(ift) == 0 {
		return
	}
	fmt.Printf("  interfaces (%d):\n", len(ift))
	for _, e := range ift {
		fmt.Printf("    %s\n", ownerDescriptor(rt, e.Interface()))
		for _, m := range e.Methods() {
			if m == nil {
				continue
			}
			fmt.Printf("      -> %s\n", m)
		}
	}
}

func printImt(rt *vm.Runtime, c *vm.Class) {
	imt := c.Imt()
	if imt == nil {
		return
	}
	claimed := 0
	for i := uint16(0); i < vm.ImtSize; i++ {
		if m := imt.Get(i); m != nil && !rt.Unimplemented(m) {
			claimed++
		}
	}
	note := "owned"
	if imt.Owner() != c.Handle() {
		note = fmt.Sprintf("shared with %s", ownerDescriptor(rt, imt.Owner()))
	}
	fmt.Printf("  imt: %d/%d slots claimed (%s)\n", claimed, vm.ImtSize, note)
	for i := uint16(0); i < vm.ImtSize; i++ {
		m := imt.Get(i)
		if m == nil || rt.Unimplemented(m) {
			continue
		}
		if m.IsImtConflict() {
			fmt.Printf("    [%2d] conflict (%d mappings)\n", i, len(m.ConflictTable().Pairs()))
			continue
		}
		fmt.Printf("    [%2d] %s\n", i, m)
	}
}

func printFields(c *vm.Class) {
	instance := c.InstanceFields()
	statics := c.StaticFields()
	if len(instance) > 0 {
		fmt.Printf("  fields (%d):\n", len(instance))
		for _, f := range instance {
			fmt.Printf("    @%-4d %s %s\n", f.Offset(), f.Name(), f.Type())
		}
	}
	if len(statics) > 0 {
		fmt.Printf("  statics (%d):\n", len(statics))
		for _, f := range statics {
			fmt.Printf("    @%-4d %s %s\n", f.Offset(), f.Name(), f.Type())
		}
	}
}

func loaderName(l *vm.Loader) string {
	if l == nil {
		return "boot"
	}
	return l.Name()
}

func ownerDescriptor(rt *vm.Runtime, h vm.ClassHandle) string {
	if c := rt.Class(h); c != nil {
		return c.Descriptor()
	}
	return "?"
}

func bitmapString(bits uint32) string {
	if bits == vm.RefOffsetsSlowPath {
		return "slow-path"
	}
	return fmt.Sprintf("%032b", bits)
}
