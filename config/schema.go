package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// schema constrains the decoded kiln.toml. Definitions are closed, so
// an unknown key is an error rather than silently ignored.
const schema = `
#Config: {
	runtime?: {
		"heap-limit"?:    int & >=0
		"publish-mode"?:  "auto" | "fence" | "checkpoint"
		"publish-batch"?: int & >=0
	}
	boot?: {
		containers?: [...string]
	}
	classpath?: [...string]
	aot?: {
		database?:   string
		initialize?: bool
	}
	server?: {
		listen?: string
	}
}
`

// validate unifies the raw TOML decoding with the schema.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	sv := ctx.CompileString(schema)
	if err := sv.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	def := sv.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	unified := def.Unify(ctx.Encode(raw))
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("%s", cueerrors.Details(err, nil))
	}
	return nil
}
