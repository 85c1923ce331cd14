package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one configuration problem in a form fit for an operator.
type CueErrorDetail struct {
	Path    string // storage.buckets.game_log
	Code    string // unknown_field | missing_required | out_of_range | invalid_format | conflicting_values | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string // message as reported by cue
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

func (c CueErrorDetail) String() string {
	if c.Pos.Filename == "" {
		return c.Path + ": " + c.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", c.Pos.Filename, c.Pos.Line, c.Pos.Column, c.Path, c.Message)
}

// rules are tried in order, the first match wins.
var rules = []struct {
	re   *regexp.Regexp
	code string
	msg  func(field string, m []string) string
}{
	{
		re:   regexp.MustCompile(`(?i)not allowed|unknown field`),
		code: "unknown_field",
		msg:  func(f string, _ []string) string { return "field " + f + " is not known" },
	},
	{
		re:   regexp.MustCompile(`(?i)incomplete value`),
		code: "missing_required",
		msg:  func(f string, _ []string) string { return "field " + f + " is required" },
	},
	{
		re:   regexp.MustCompile(`out of bound =~"(.*)"`),
		code: "invalid_format",
		msg: func(f string, m []string) string {
			if strings.HasPrefix(m[1], "^P(") {
				return "field " + f + " must be an ISO-8601 duration like PT5S"
			}
			return fmt.Sprintf("field %s must match %s", f, m[1])
		},
	},
	{
		re:   regexp.MustCompile(`out of bound ([<>!]=?\s*-?\d+)`),
		code: "out_of_range",
		msg:  func(f string, m []string) string { return fmt.Sprintf("field %s must be %s", f, m[1]) },
	},
	{
		re:   regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|mismatched types`),
		code: "conflicting_values",
		msg:  func(f string, _ []string) string { return "field " + f + " has a value of a wrong type" },
	},
}

// CueErrDetails turns an error returned by LoadConfig into a list of
// details, one per position in the config file.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	seen := make(map[CueErrorPosition]bool)
	for _, e := range cueerrors.Errors(err) {
		pos, ok := position(e)
		if !ok || seen[pos] {
			continue
		}
		seen[pos] = true

		raw, args := e.Msg()
		raw = fmt.Sprintf(raw, args...)
		path := configPath(e.Path())
		d := describe(raw, path)
		d.Pos = pos
		if dflt, ok := schema.LookupPath(cue.ParsePath(path)).Default(); path != "" && ok && dflt.IsConcrete() {
			d.Message += fmt.Sprintf(" (default %v)", dflt)
		}
		out = append(out, d)
	}
	return out
}

func describe(raw, path string) CueErrorDetail {
	field := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		field = path[i+1:]
	}
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(raw); m != nil {
			return CueErrorDetail{Path: path, Code: r.code, Message: r.msg(field, m), Raw: raw}
		}
	}
	return CueErrorDetail{Path: path, Code: "validation_error", Message: raw, Raw: raw}
}

// position returns the first position inside a file, the schema itself has none.
func position(err cueerrors.Error) (CueErrorPosition, bool) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}, true
		}
	}
	return CueErrorPosition{}, false
}

// configPath drops the leading #Config definition.
func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
