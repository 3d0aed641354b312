// Package linestream turns text input into numbered lines and dispatches each
// line to the handlers whose patterns match it.
//
// A Stream is push-based: handlers run synchronously, in registration order,
// for every line in source order. Once the input is exhausted the end
// handlers fire exactly once.
package linestream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/grafana/regexp"

	"github.com/Benny93/evalprof/internal/model"
)

// maxLineSize bounds a single log line. Pipeline lines with large RA bodies
// are far longer than bufio's 64KiB default.
const maxLineSize = 16 * 1024 * 1024

// ErrAlreadyRun is returned when Run is called on a stream that has already
// consumed its input.
var ErrAlreadyRun = errors.New("line stream already consumed")

// Match is passed to a handler when its pattern matches a line.
type Match struct {
	// Groups holds the full match followed by the capture groups.
	Groups []string

	// Line is the matched line.
	Line model.SourceLine
}

// MatchHandler handles a line matching a registered pattern.
type MatchHandler func(Match)

// LineHandler handles a line that did not match a registered pattern.
type LineHandler func(model.SourceLine)

type matcher struct {
	pattern *regexp.Regexp
	onMatch MatchHandler
	noMatch LineHandler
}

// Stream reads lines from its input and invokes the registered handlers.
type Stream struct {
	input      io.Reader
	matchers   []matcher
	endFuncs   []func()
	lineNumber int
	consumed   bool
	ended      bool
}

// New creates a stream without an input. Lines are fed with AddLine and the
// end of input is signaled with AddEOF.
func New() *Stream {
	return &Stream{}
}

// FromText creates a stream over a fully buffered text. Lines are split on
// `\n` or `\r\n`; a final line terminator does not produce an empty line.
func FromText(text string) *Stream {
	return &Stream{input: strings.NewReader(text)}
}

// FromReader creates a stream that reads its lines incrementally from r.
func FromReader(r io.Reader) *Stream {
	return &Stream{input: r}
}

// On registers a handler for lines matching pattern. If noMatch is non-nil it
// is invoked for every line the pattern does not match.
func (s *Stream) On(pattern *regexp.Regexp, onMatch MatchHandler, noMatch LineHandler) *Stream {
	s.matchers = append(s.matchers, matcher{pattern: pattern, onMatch: onMatch, noMatch: noMatch})
	return s
}

// OnEnd registers a function to call once the input is exhausted.
func (s *Stream) OnEnd(fn func()) *Stream {
	s.endFuncs = append(s.endFuncs, fn)
	return s
}

// LineNumber returns the number of lines seen so far.
func (s *Stream) LineNumber() int {
	return s.lineNumber
}

// AddLine numbers a line and immediately invokes every interested handler.
func (s *Stream) AddLine(text string) {
	s.lineNumber++
	line := model.SourceLine{Text: text, LineNumber: s.lineNumber}
	for _, m := range s.matchers {
		groups := m.pattern.FindStringSubmatch(text)
		if groups != nil {
			if m.onMatch != nil {
				m.onMatch(Match{Groups: groups, Line: line})
			}
			continue
		}
		if m.noMatch != nil {
			m.noMatch(line)
		}
	}
}

// AddEOF marks the end of input. The end handlers run on the first call only.
func (s *Stream) AddEOF() {
	if s.ended {
		return
	}
	s.ended = true
	for _, fn := range s.endFuncs {
		fn()
	}
}

// Run feeds every line of the input to the handlers and then signals the end
// of input. If ctx is cancelled, feeding stops and the context error is
// returned without signaling the end. A read error is returned wrapped and
// also suppresses the end signal.
func (s *Stream) Run(ctx context.Context) error {
	if s.consumed {
		return ErrAlreadyRun
	}
	s.consumed = true

	if s.input != nil {
		scanner := bufio.NewScanner(s.input)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.AddLine(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading line %d: %w", s.lineNumber+1, err)
		}
	}

	s.AddEOF()
	return nil
}
