package metadata

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/tools/txtar"
)

// ---------------------------------------------------------------------------
// Text form
// ---------------------------------------------------------------------------

// Containers have a textual source form for fixtures and hand-written
// inputs: a txtar archive whose comment names the container and whose
// files each define one class, one directive per line.
//
//	container geometry
//
//	-- Lapp/Shape; --
//	class public interface abstract
//	method area ()D public abstract
//	method name ()Lcore/Text; public @ 10
//
//	-- Lapp/Circle; --
//	class public
//	implements Lapp/Shape;
//	field radius D private
//	static unit Lapp/Circle; public final = null
//	method <init> ()V public @ 20
//	method area ()D public @ 21
//
// Blank lines and lines starting with # are ignored. Classes default to
// the root superclass and the current format version, exactly like the
// builder the parser drives.

// TextExt is the conventional extension for text-form containers.
const TextExt = ".kmt"

var textFlags = map[string]uint32{
	"public":    AccPublic,
	"private":   AccPrivate,
	"protected": AccProtected,
	"static":    AccStatic,
	"final":     AccFinal,
	"volatile":  AccVolatile,
	"transient": AccTransient,
	"native":    AccNative,
	"interface": AccInterface,
	"abstract":  AccAbstract,
	"synthetic": AccSynthetic,
	"enum":      AccEnum,
}

// ParseText builds a validated container from its text form.
func ParseText(data []byte) (*Container, error) {
	arc := txtar.Parse(data)

	name := ""
	for i, line := range strings.Split(string(arc.Comment), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		directive, rest, _ := strings.Cut(line, " ")
		if directive != "container" {
			return nil, fmt.Errorf("text container: header line %d: expected container directive, got %q", i+1, line)
		}
		if name != "" {
			return nil, fmt.Errorf("text container: header line %d: duplicate container directive", i+1)
		}
		name = strings.TrimSpace(rest)
	}
	if name == "" {
		return nil, fmt.Errorf("text container: missing container directive")
	}

	b := NewBuilder(name)
	for _, f := range arc.Files {
		if err := parseTextClass(b, strings.TrimSpace(f.Name), string(f.Data)); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// ReadTextFile loads and parses a text-form container.
func ReadTextFile(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseText(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func parseTextClass(b *Builder, descriptor, body string) error {
	fail := func(n int, format string, args ...any) error {
		return fmt.Errorf("text container: %s line %d: %s", descriptor, n, fmt.Sprintf(format, args...))
	}

	var cb *ClassBuilder
	ensure := func() *ClassBuilder {
		if cb == nil {
			cb = b.Class(descriptor, AccPublic)
		}
		return cb
	}

	for i, line := range strings.Split(body, "\n") {
		n := i + 1
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		directive, rest, _ := strings.Cut(line, " ")
		switch directive {
		case "class":
			if cb != nil {
				return fail(n, "class directive must come before members")
			}
			flags, err := parseTextFlags(strings.Fields(rest))
			if err != nil {
				return fail(n, "%v", err)
			}
			cb = b.Class(descriptor, flags)

		case "super":
			target := strings.TrimSpace(rest)
			if target == "none" {
				ensure().NoSuper()
			} else {
				ensure().Super(target)
			}

		case "implements":
			ifaces := strings.Fields(rest)
			if len(ifaces) == 0 {
				return fail(n, "implements needs at least one descriptor")
			}
			ensure().Implements(ifaces...)

		case "version":
			v, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
			if err != nil {
				return fail(n, "bad version %q", rest)
			}
			ensure().Version(uint32(v))

		case "field":
			tokens := strings.Fields(rest)
			if len(tokens) < 2 {
				return fail(n, "field needs a name and a type")
			}
			flags, err := parseTextFlags(tokens[2:])
			if err != nil {
				return fail(n, "%v", err)
			}
			ensure().Field(tokens[0], tokens[1], flags)

		case "static":
			head, lit, hasInit := strings.Cut(rest, " = ")
			tokens := strings.Fields(head)
			if len(tokens) < 2 {
				return fail(n, "static needs a name and a type")
			}
			flags, err := parseTextFlags(tokens[2:])
			if err != nil {
				return fail(n, "%v", err)
			}
			var init *InitValue
			if hasInit {
				if init, err = parseTextInit(lit); err != nil {
					return fail(n, "%v", err)
				}
			}
			ensure().StaticField(tokens[0], tokens[1], flags, init)

		case "method":
			tokens := strings.Fields(rest)
			if len(tokens) < 2 {
				return fail(n, "method needs a name and a signature")
			}
			flagTokens := tokens[2:]
			var code uint64
			for j, tok := range flagTokens {
				if tok != "@" {
					continue
				}
				if j != len(flagTokens)-2 {
					return fail(n, "@ must be followed by exactly the code offset")
				}
				var err error
				if code, err = strconv.ParseUint(flagTokens[j+1], 10, 32); err != nil {
					return fail(n, "bad code offset %q", flagTokens[j+1])
				}
				flagTokens = flagTokens[:j]
				break
			}
			flags, err := parseTextFlags(flagTokens)
			if err != nil {
				return fail(n, "%v", err)
			}
			ensure().Method(tokens[0], tokens[1], flags, uint32(code))

		default:
			return fail(n, "unknown directive %q", directive)
		}
	}

	ensure()
	return nil
}

func parseTextFlags(tokens []string) (uint32, error) {
	var flags uint32
	for _, tok := range tokens {
		bit, ok := textFlags[tok]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", tok)
		}
		flags |= bit
	}
	return flags, nil
}

// parseTextInit reads a static initializer literal: null, a quoted
// string, an integer, or a float.
func parseTextInit(lit string) (*InitValue, error) {
	lit = strings.TrimSpace(lit)
	switch {
	case lit == "null":
		return NullInit(), nil
	case strings.HasPrefix(lit, `"`):
		s, err := strconv.Unquote(lit)
		if err != nil {
			return nil, fmt.Errorf("bad string literal %s", lit)
		}
		return StringInit(s), nil
	}
	if n, err := strconv.ParseInt(lit, 0, 64); err == nil {
		return IntInit(n), nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return FloatInit(f), nil
	}
	return nil, fmt.Errorf("bad initializer literal %q", lit)
}
