// Package script turns SPIDER batch templates into runnable scripts.
//
// A template has a header and a body separated by a line containing
// EndHeader. Header lines of the form
//
//	[name] = value ; comment
//	GLO [name] = value ; comment
//
// have their value replaced when the bracketed name is a key of the
// parameter dictionary. The line following an "fr" command may also use the
// bare form "[name]value". Body lines are copied untouched.
package script

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EndHeader marks the end of the substitutable header.
const EndHeader = "END BATCH HEADER"

var (
	keyValueRe = regexp.MustCompile(`^(\s*GLO\s+|[^\[a-zA-Z0-9_-]*)(\[?[a-zA-Z0-9_-]+\]?)(\s*)=(\s*)(\S+)((?:\s.*)?)$`)
	keyFrlRe   = regexp.MustCompile(`^(\[?[a-zA-Z0-9_-]+\]?)(\S+)((?:\s.*)?)$`)
)

// Kind tells what ParseLine did with a line.
type Kind int

const (
	// PassThrough lines matched a pattern but named no known parameter.
	PassThrough Kind = iota
	// Substituted lines had their value replaced.
	Substituted
	// Malformed lines matched neither header pattern and are kept as is.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Substituted:
		return "substituted"
	case Malformed:
		return "malformed"
	default:
		return "pass-through"
	}
}

// LineResult is the outcome of substituting one header line.
type LineResult struct {
	Kind Kind
	Line string
	Name string
	Err  error
}

// ParseLine substitutes a single header line without its line terminator.
// afterFr selects the secondary "[name]value" pattern, which is only valid
// on the line following an "fr" command. On a formatting error the result
// carries the error and the original line.
func ParseLine(line string, params Params, afterFr bool) LineResult {
	if m := keyValueRe.FindStringSubmatch(line); m != nil {
		name := m[2]
		v, ok := params[name]
		if !ok {
			if afterFr {
				if r := parseFrLine(line, params); r.Kind != Malformed {
					return r
				}
			}
			return LineResult{Kind: PassThrough, Line: line, Name: name}
		}
		value, err := Format(v)
		if err != nil {
			return LineResult{Kind: PassThrough, Line: line, Name: name, Err: err}
		}
		return LineResult{
			Kind: Substituted,
			Line: m[1] + name + m[3] + "=" + m[4] + value + m[6],
			Name: name,
		}
	}
	if afterFr {
		return parseFrLine(line, params)
	}
	return LineResult{Kind: Malformed, Line: line}
}

func parseFrLine(line string, params Params) LineResult {
	m := keyFrlRe.FindStringSubmatch(line)
	if m == nil {
		return LineResult{Kind: Malformed, Line: line}
	}
	name := m[1]
	v, ok := params[name]
	if !ok {
		return LineResult{Kind: PassThrough, Line: line, Name: name}
	}
	value, err := Format(v)
	if err != nil {
		return LineResult{Kind: PassThrough, Line: line, Name: name, Err: err}
	}
	return LineResult{Kind: Substituted, Line: name + value + m[3], Name: name}
}

// Substituter walks template lines in order, tracking the header/body zone
// and the "fr" command state.
type Substituter struct {
	params   Params
	log      *zap.Logger
	inHeader bool
	afterFr  bool
	lineNo   int
}

// NewSubstituter starts in the header zone.
func NewSubstituter(params Params, log *zap.Logger) *Substituter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Substituter{params: params, log: log, inHeader: true}
}

// InHeader reports whether the next line is still in the header zone.
func (s *Substituter) InHeader() bool { return s.inHeader }

// Next substitutes one line given without its terminator.
func (s *Substituter) Next(line string) string {
	s.lineNo++
	if strings.Contains(line, EndHeader) {
		s.inHeader = false
	}
	if !s.inHeader {
		return line
	}

	res := ParseLine(line, s.params, s.afterFr)
	if res.Err != nil {
		s.log.Warn("cannot substitute template line",
			zap.Int("line", s.lineNo),
			zap.String("name", res.Name),
			zap.String("text", line),
			zap.Error(res.Err))
	}
	s.afterFr = strings.HasPrefix(strings.ToLower(res.Line), "fr ")
	return res.Line
}

// Render copies the template from r to w substituting header values. Body
// lines, including their line terminators, are written byte for byte.
func Render(r io.Reader, w io.Writer, params Params, log *zap.Logger) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	sub := NewSubstituter(params, log)

	for {
		raw, err := br.ReadString('\n')
		if len(raw) > 0 {
			if sub.InHeader() {
				body, term := splitTerminator(raw)
				raw = sub.Next(body) + term
			} else {
				sub.Next(raw)
			}
			if _, werr := bw.WriteString(raw); werr != nil {
				return errors.Wrap(werr, "write script")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read template")
		}
	}
	return errors.Wrap(bw.Flush(), "write script")
}

// WriteScript renders templatePath into outputPath.
func WriteScript(templatePath, outputPath string, params Params, log *zap.Logger) error {
	in, err := os.Open(templatePath)
	if err != nil {
		return errors.Wrapf(err, "open template %s", templatePath)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return errors.Wrapf(err, "create script directory for %s", outputPath)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrapf(err, "create script %s", outputPath)
	}
	if err := Render(in, out, params, log); err != nil {
		out.Close()
		return errors.Wrapf(err, "render %s", templatePath)
	}
	return errors.Wrapf(out.Close(), "close script %s", outputPath)
}

func splitTerminator(raw string) (string, string) {
	switch {
	case strings.HasSuffix(raw, "\r\n"):
		return raw[:len(raw)-2], "\r\n"
	case strings.HasSuffix(raw, "\n"):
		return raw[:len(raw)-1], "\n"
	}
	return raw, ""
}
