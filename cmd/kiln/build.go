package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chazu/kiln/metadata"
)

// handleBuildCommand compiles a text-form container into the binary
// wire form.
func handleBuildCommand(args []string) {
	var input string
	var output string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-o", "--output":
			if i+1 >= len(args) {
				fatalf("%s requires an argument", args[i])
			}
			i++
			output = args[i]
		case "-h", "--help":
			fmt.Fprintf(os.Stderr, "Usage: kiln build <container%s> [-o output%s]\n",
				metadata.TextExt, metadata.Ext)
			return
		default:
			if strings.HasPrefix(args[i], "-") {
				fatalf("unknown flag %s", args[i])
			}
			if input != "" {
				fatalf("exactly one input container expected")
			}
			input = args[i]
		}
	}
	if input == "" {
		fatalf("no input container given (try: kiln build app%s)", metadata.TextExt)
	}

	ctr, err := metadata.ReadTextFile(input)
	if err != nil {
		fatalf("%v", err)
	}
	if output == "" {
		output = strings.TrimSuffix(input, metadata.TextExt) + metadata.Ext
	}
	if err := metadata.WriteFile(output, ctr); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("wrote %s (%d classes, checksum %x)\n", output, len(ctr.Classes), ctr.Checksum[:8])
}
