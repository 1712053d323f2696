// Package sfz implements a minimal SFZ instrument-definition text parser:
// <region>/<group> headers and key=value opcodes, resolved into Regions.
// Nothing in this module turns Regions into scene.Layer bindings. The full
// SFZ opcode set is far larger; this covers sample, key and velocity
// ranges, and keeps every other opcode as raw text.
package sfz

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Region is one <region> block's resolved opcodes: the sample to load and
// the key/velocity range it responds to.
type Region struct {
	Sample         string
	LoKey          int
	HiKey          int
	LoVel          int
	HiVel          int
	PitchKeyCenter int
	Opcodes        map[string]string
}

// Document is a parsed instrument definition: every region, with group-level
// opcodes already merged in (a region inherits any opcode its enclosing
// group set, and can override it).
type Document struct {
	Regions []Region
}

// Parse reads an SFZ file body from r.
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{}
	groupOpcodes := map[string]string{}
	var cur map[string]string
	inRegion := false

	flush := func() {
		if !inRegion {
			return
		}
		doc.Regions = append(doc.Regions, regionFromOpcodes(cur))
		inRegion = false
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		for len(line) > 0 {
			switch {
			case strings.HasPrefix(line, "<region>"):
				flush()
				cur = map[string]string{}
				for k, v := range groupOpcodes {
					cur[k] = v
				}
				inRegion = true
				line = strings.TrimSpace(line[len("<region>"):])
			case strings.HasPrefix(line, "<group>"):
				flush()
				groupOpcodes = map[string]string{}
				cur = groupOpcodes
				inRegion = false
				line = strings.TrimSpace(line[len("<group>"):])
			default:
				tok, rest, err := nextOpcode(line)
				if err != nil {
					return nil, fmt.Errorf("sfz: line %d: %w", lineNo, err)
				}
				if cur != nil {
					k, v, _ := strings.Cut(tok, "=")
					cur[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
				line = rest
			}
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sfz: scan: %w", err)
	}
	return doc, nil
}

func stripComment(line string) string {
	if i := strings.Index(line, "//"); i >= 0 {
		return line[:i]
	}
	return line
}

// nextOpcode splits the next "key=value" token off the front of line.
// SFZ has no formal grammar here, so this takes the common convention of
// one opcode per whitespace-separated word, except for sample=: since
// filenames may contain spaces, its value runs up to the next word that is
// a header ("<...") or contains '=', or to the end of the line.
func nextOpcode(line string) (tok, rest string, err error) {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", "", fmt.Errorf("expected key=value in %q", line)
	}
	key := line[:eq]
	if strings.TrimSpace(key) == "sample" {
		valueAndRest := line[eq+1:]
		for i := 0; i < len(valueAndRest); i++ {
			if valueAndRest[i] != ' ' && valueAndRest[i] != '\t' {
				continue
			}
			w := strings.Fields(valueAndRest[i:])
			if len(w) > 0 && (strings.HasPrefix(w[0], "<") || strings.Contains(w[0], "=")) {
				return line[:eq+1+i], strings.TrimSpace(valueAndRest[i:]), nil
			}
		}
		return line, "", nil
	}
	valueAndRest := line[eq+1:]
	sp := strings.IndexAny(valueAndRest, " \t")
	if sp < 0 {
		return line, "", nil
	}
	return line[:eq+1+sp], strings.TrimSpace(valueAndRest[sp:]), nil
}

func regionFromOpcodes(op map[string]string) Region {
	r := Region{
		LoKey: 0, HiKey: 127, LoVel: 0, HiVel: 127,
		Opcodes: make(map[string]string, len(op)),
	}
	for k, v := range op {
		r.Opcodes[k] = v
		switch k {
		case "sample":
			r.Sample = v
		case "lokey":
			r.LoKey = parseKey(v)
		case "hikey":
			r.HiKey = parseKey(v)
		case "lovel":
			r.LoVel = atoiOr(v, 0)
		case "hivel":
			r.HiVel = atoiOr(v, 127)
		case "pitch_keycenter":
			r.PitchKeyCenter = parseKey(v)
		case "key":
			k := parseKey(v)
			r.LoKey, r.HiKey, r.PitchKeyCenter = k, k, k
		}
	}
	return r
}

var noteNames = map[string]int{
	"c": 0, "c#": 1, "db": 1, "d": 2, "d#": 3, "eb": 3, "e": 4,
	"f": 5, "f#": 6, "gb": 6, "g": 7, "g#": 8, "ab": 8, "a": 9,
	"a#": 10, "bb": 10, "b": 11,
}

// parseKey accepts either a bare MIDI note number or SFZ's note-name form
// (e.g. "c4", "f#3").
func parseKey(v string) int {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	v = strings.ToLower(v)
	for i := len(v); i > 0; i-- {
		name := v[:i]
		if base, ok := noteNames[name]; ok {
			octave, err := strconv.Atoi(v[i:])
			if err != nil {
				continue
			}
			return base + (octave+1)*12
		}
	}
	return 0
}

func atoiOr(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
