// Package policyparser implements a parser for lease policy rule files.
//
// A rule file contains one rule per lease class:
//
//	# Administrative sessions are short lived.
//	class session default=30s max=5m
//	class events  default=1m  max=1d limit=1000
package policyparser

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var (
	fileParser = participle.MustBuild[File](
		participle.Lexer(ruleLexer),
		participle.Union[Attr](&DefaultAttr{}, &MaxAttr{}, &LimitAttr{}),
		participle.Elide("Whitespace", "Comment"),
	)
	ruleLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Comment", Pattern: `#[^\n]*`},
		{Name: "Duration", Pattern: `([0-9]+(ns|us|ms|s|m|h|d|w))+`},
		{Name: "Number", Pattern: `[0-9]+`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_.-]*`},
		{Name: "Punct", Pattern: `=`},
		{Name: "Whitespace", Pattern: `\s+`},
	})
)

// File is a parsed rule file.
type File struct {
	Rules []*Rule `parser:"@@*"`
}

// Rule configures leases for a single class.
type Rule struct {
	Pos   lexer.Position
	Class string `parser:"'class' @Ident"`
	Attrs []Attr `parser:"@@*"`
}

// Default returns the default duration for the class, if set.
func (r *Rule) Default() (time.Duration, bool) {
	for _, attr := range r.Attrs {
		if d, ok := attr.(*DefaultAttr); ok {
			return time.Duration(d.Duration), true
		}
	}
	return 0, false
}

// Max returns the maximum duration for the class, if set.
func (r *Rule) Max() (time.Duration, bool) {
	for _, attr := range r.Attrs {
		if m, ok := attr.(*MaxAttr); ok {
			return time.Duration(m.Duration), true
		}
	}
	return 0, false
}

// Limit returns the maximum number of live leases for the class, or 0 if unlimited.
func (r *Rule) Limit() int {
	for _, attr := range r.Attrs {
		if l, ok := attr.(*LimitAttr); ok {
			return l.Limit
		}
	}
	return 0
}

func (r *Rule) String() string {
	out := []string{"class", r.Class}
	for _, attr := range r.Attrs {
		out = append(out, attr.String())
	}
	return strings.Join(out, " ")
}

// Attr is a single key=value attribute of a rule.
type Attr interface {
	attr()
	String() string
}

type DefaultAttr struct {
	Duration Duration `parser:"'default' '=' @Duration"`
}

func (d *DefaultAttr) attr()          {}
func (d *DefaultAttr) String() string { return "default=" + d.Duration.String() }

type MaxAttr struct {
	Duration Duration `parser:"'max' '=' @Duration"`
}

func (m *MaxAttr) attr()          {}
func (m *MaxAttr) String() string { return "max=" + m.Duration.String() }

type LimitAttr struct {
	Limit int `parser:"'limit' '=' @Number"`
}

func (l *LimitAttr) attr()          {}
func (l *LimitAttr) String() string { return "limit=" + strconv.Itoa(l.Limit) }

// time.ParseDuration doesn't support "d" or "w", so each unit segment is parsed separately.
var (
	durationSegment = regexp.MustCompile(`([0-9]+)(ns|us|ms|s|m|h|d|w)`)
	durationUnits   = map[string]time.Duration{
		"ns": time.Nanosecond,
		"us": time.Microsecond,
		"ms": time.Millisecond,
		"s":  time.Second,
		"m":  time.Minute,
		"h":  time.Hour,
		"d":  time.Hour * 24,
		"w":  time.Hour * 24 * 7,
	}
)

// Duration is a [time.Duration] that additionally accepts "d" and "w" suffixes, including in compound
// durations such as "1d12h".
type Duration time.Duration

func (d *Duration) Capture(values []string) error {
	value := strings.Join(values, "")
	matches := durationSegment.FindAllStringSubmatch(value, -1)
	var (
		total    time.Duration
		consumed int
	)
	for _, match := range matches {
		n, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return errors.Errorf("invalid duration %q", value)
		}
		total += time.Duration(n) * durationUnits[match[2]]
		consumed += len(match[0])
	}
	if len(matches) == 0 || consumed != len(value) {
		return errors.Errorf("invalid duration %q", value)
	}
	*d = Duration(total)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Parse a rule file.
func Parse(filename string, r io.Reader) (*File, error) {
	file, err := fileParser.Parse(filename, r)
	if err != nil {
		return nil, errors.Errorf("failed to parse policy rules: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	return file, nil
}

// ParseString parses rules from a string.
func ParseString(rules string) (*File, error) {
	return Parse("", strings.NewReader(rules))
}

// Validate the rules.
func (f *File) Validate() error {
	seen := map[string]bool{}
	for _, rule := range f.Rules {
		if seen[rule.Class] {
			return errors.Errorf("%s: duplicate rule for class %q", rule.Pos, rule.Class)
		}
		seen[rule.Class] = true
		def, hasDefault := rule.Default()
		maximum, hasMax := rule.Max()
		if hasDefault && def <= 0 {
			return errors.Errorf("%s: class %q: default must be positive", rule.Pos, rule.Class)
		}
		if hasMax && maximum <= 0 {
			return errors.Errorf("%s: class %q: max must be positive", rule.Pos, rule.Class)
		}
		if hasDefault && hasMax && def > maximum {
			return errors.Errorf("%s: class %q: default %s exceeds max %s", rule.Pos, rule.Class, def, maximum)
		}
		for _, attr := range rule.Attrs {
			if l, ok := attr.(*LimitAttr); ok && l.Limit <= 0 {
				return errors.Errorf("%s: class %q: limit must be positive", rule.Pos, rule.Class)
			}
		}
	}
	return nil
}

func (f *File) String() string {
	out := make([]string, 0, len(f.Rules))
	for _, rule := range f.Rules {
		out = append(out, rule.String())
	}
	return fmt.Sprintf("%s\n", strings.Join(out, "\n"))
}
