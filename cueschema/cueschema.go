// Package cueschema validates records against CUE definitions, for use as
// a collection Validator.
package cueschema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/dagizoltan/kvrepo"
)

// Schema is a compiled CUE value that records must unify with. It is safe
// for concurrent use.
type Schema struct {
	name string

	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

var _ kvrepo.Validator = (*Schema)(nil)

// Compile compiles CUE source. When definition is non-empty (e.g. "#Order")
// records are validated against that definition, otherwise against the
// whole value.
func Compile(filename, source, definition string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(source, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("cueschema: compiling %s: %w", filename, err)
	}
	def := v
	name := filename
	if definition != "" {
		def = v.LookupPath(cue.ParsePath(definition))
		if !def.Exists() {
			return nil, fmt.Errorf("cueschema: %s: definition %s not found", filename, definition)
		}
		if err := def.Err(); err != nil {
			return nil, fmt.Errorf("cueschema: %s: %s: %w", filename, definition, err)
		}
		name = filename + ":" + definition
	}
	return &Schema{name: name, ctx: ctx, def: def}, nil
}

// Load compiles the CUE file at path.
func Load(path, definition string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cueschema: %w", err)
	}
	return Compile(filepath.Base(path), string(src), definition)
}

func (s *Schema) String() string {
	return s.name
}

// Validate reports the fields of rec that violate the schema. The record
// is checked in its JSON form, so field paths use JSON names.
func (s *Schema) Validate(collection string, rec any) []kvrepo.Issue {
	raw, err := kvrepo.MarshalJSON(rec)
	if err != nil {
		return []kvrepo.Issue{{Message: fmt.Sprintf("cannot encode record: %v", err), Code: "encoding"}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.ctx.CompileBytes(raw, cue.Filename(collection+".json"))
	if err := data.Err(); err != nil {
		return []kvrepo.Issue{{Message: fmt.Sprintf("cannot decode record: %v", err), Code: "encoding"}}
	}
	err = s.def.Unify(data).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	return issuesOf(err)
}

// issuePath drops definition selectors so that paths name record fields.
func issuePath(sels []string) string {
	var parts []string
	for _, sel := range sels {
		if strings.HasPrefix(sel, "#") {
			continue
		}
		parts = append(parts, sel)
	}
	return strings.Join(parts, ".")
}

func issuesOf(err error) []kvrepo.Issue {
	var issues []kvrepo.Issue
	seen := make(map[kvrepo.Issue]bool)
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		is := kvrepo.Issue{
			Path:    issuePath(e.Path()),
			Message: fmt.Sprintf(format, args...),
			Code:    "schema",
		}
		if seen[is] {
			continue
		}
		seen[is] = true
		issues = append(issues, is)
	}
	if len(issues) == 0 {
		issues = append(issues, kvrepo.Issue{Message: err.Error(), Code: "schema"})
	}
	return issues
}
