// Package respparse implements the Response Parser of spec.md §4.4: a
// hand-written state machine that extracts structured tagged sections
// ([THINKING], [RESPONSE], [SUMMARY], [PLAN], [FILE_READ], [FILE_WRITE],
// [FILE_EDIT]) from a possibly-streaming model output buffer and emits a
// deterministic, restartable sequence of events.
//
// No example repo in the retrieved set drives a bracket-tag protocol like
// this one — the pack's agent frameworks all route structured output
// through provider tool-calling instead — so this package is intentionally
// standard-library only; see DESIGN.md for the full justification.
package respparse

import (
	"regexp"
	"strings"
)

// TextRole distinguishes thinking narration from user-facing response text.
type TextRole string

const (
	RoleThinking TextRole = "thinking"
	RoleResponse TextRole = "response"
)

// FileOpKind is the closed set of file operations the parser can lift out
// of a model response.
type FileOpKind string

const (
	FileOpRead  FileOpKind = "read"
	FileOpWrite FileOpKind = "write"
	FileOpEdit  FileOpKind = "edit"
)

// FileOp is the payload of an EventFileOp event.
type FileOp struct {
	Kind    FileOpKind
	Path    string
	Content string // FileOpWrite only
	Find    string // FileOpEdit only
	Replace string // FileOpEdit only
}

// EventKind discriminates the Event union.
type EventKind int

const (
	EventText EventKind = iota
	EventSummary
	EventPlan
	EventFileOp
)

// Event is one item in the parser's emitted sequence. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind    EventKind
	Role    TextRole // EventText
	Chunk   string   // EventText
	Summary string   // EventSummary
	Plan    string   // EventPlan
	FileOp  FileOp   // EventFileOp
}

type parserState int

const (
	stateText parserState = iota // outside any structural tag; role is currentRole
	stateSummary
	statePlan
	stateFileRead
	stateFileWrite
	stateFileEdit
)

type opener struct {
	tag   string // e.g. "[THINKING]"
	state parserState
	role  TextRole // only meaningful when state == stateText
}

// openers is checked in the order given; none is a prefix of another so
// order does not affect correctness, only findEarliestOpener's tie-break
// (which never triggers since tags are distinct strings).
var openers = []opener{
	{"[THINKING]", stateText, RoleThinking},
	{"[/THINKING]", stateText, RoleResponse}, // text after it is response again
	{"[RESPONSE]", stateText, RoleResponse},
	{"[SUMMARY]", stateSummary, ""},
	{"[PLAN]", statePlan, ""},
	{"[FILE_READ]", stateFileRead, ""},
	{"[FILE_WRITE]", stateFileWrite, ""},
	{"[FILE_EDIT]", stateFileEdit, ""},
}

var closers = map[parserState]string{
	stateSummary:   "[/SUMMARY]",
	statePlan:      "[/PLAN]",
	stateFileRead:  "[/FILE_READ]",
	stateFileWrite: "[/FILE_WRITE]",
	stateFileEdit:  "[/FILE_EDIT]",
}

const maxOpenerLen = len("[FILE_WRITE]")

// Parser is the incremental state machine. Zero value is ready to use.
type Parser struct {
	buf         strings.Builder
	state       parserState
	currentRole TextRole
}

// New returns a Parser starting in the implicit response-text state, per
// spec.md §4.4 ("text outside any tag is emitted as Text(response, ...)").
func New() *Parser {
	return &Parser{currentRole: RoleResponse}
}

// Feed appends delta to the buffer and returns every event that became
// determinable as a result. Feed never blocks and never loses text: bytes
// that might be the prefix of a tag are held until either the tag
// completes or Finalize is called.
func (p *Parser) Feed(delta string) []Event {
	p.buf.WriteString(delta)
	return p.drain(false)
}

// Finalize signals end of stream: any held-back text is flushed as a final
// Text event (in the response/thinking state), and any unterminated
// structural tag is flushed with whatever content it had accumulated. Call
// this exactly once, after the final Feed.
func (p *Parser) Finalize() []Event {
	return p.drain(true)
}

func (p *Parser) drain(final bool) []Event {
	var events []Event
	for {
		buf := p.buf.String()
		switch p.state {
		case stateText:
			idx, matched := findEarliestOpener(buf)
			if idx == -1 {
				if final {
					if buf != "" {
						events = append(events, textEvent(p.currentRole, buf))
					}
					p.buf.Reset()
					return events
				}
				safe := safeEmitLength(buf)
				if safe == 0 {
					return events
				}
				events = append(events, textEvent(p.currentRole, buf[:safe]))
				p.resetBuf(buf[safe:])
				return events
			}
			if idx > 0 {
				events = append(events, textEvent(p.currentRole, buf[:idx]))
			}
			rest := buf[idx+len(matched.tag):]
			p.resetBuf(rest)
			if matched.state == stateText {
				p.currentRole = matched.role
				continue
			}
			p.state = matched.state
			continue

		default:
			closer := closers[p.state]
			idx := strings.Index(buf, closer)
			if idx == -1 {
				if final && buf != "" {
					events = append(events, p.flushUnterminated(buf))
					p.buf.Reset()
					p.state = stateText
					p.currentRole = RoleResponse
				}
				return events
			}
			content := buf[:idx]
			p.resetBuf(buf[idx+len(closer):])
			events = append(events, p.buildEvent(content))
			p.state = stateText
			p.currentRole = RoleResponse
			continue
		}
	}
}

func (p *Parser) resetBuf(remainder string) {
	p.buf.Reset()
	p.buf.WriteString(remainder)
}

func textEvent(role TextRole, chunk string) Event {
	return Event{Kind: EventText, Role: role, Chunk: chunk}
}

// flushUnterminated handles end-of-stream with a structural tag left open
// (the model stopped mid-section). The accumulated content is still
// surfaced rather than silently dropped.
func (p *Parser) flushUnterminated(content string) Event {
	return p.buildEvent(content)
}

func (p *Parser) buildEvent(content string) Event {
	switch p.state {
	case stateSummary:
		return Event{Kind: EventSummary, Summary: strings.TrimSpace(content)}
	case statePlan:
		return Event{Kind: EventPlan, Plan: strings.TrimSpace(content)}
	case stateFileRead:
		return Event{Kind: EventFileOp, FileOp: FileOp{Kind: FileOpRead, Path: extractPath(content)}}
	case stateFileWrite:
		return Event{Kind: EventFileOp, FileOp: FileOp{
			Kind:    FileOpWrite,
			Path:    extractPath(content),
			Content: extractFencedContent(content),
		}}
	case stateFileEdit:
		find, replace := extractFindReplace(content)
		return Event{Kind: EventFileOp, FileOp: FileOp{
			Kind:    FileOpEdit,
			Path:    extractPath(content),
			Find:    find,
			Replace: replace,
		}}
	default:
		return Event{Kind: EventText, Role: RoleResponse, Chunk: content}
	}
}

func findEarliestOpener(buf string) (int, opener) {
	bestIdx := -1
	var best opener
	for _, o := range openers {
		idx := strings.Index(buf, o.tag)
		if idx == -1 {
			continue
		}
		if bestIdx == -1 || idx < bestIdx {
			bestIdx = idx
			best = o
		}
	}
	return bestIdx, best
}

// safeEmitLength returns how much of buf is safe to emit as plain text
// without risking that its tail is the start of a tag opener that hasn't
// finished arriving yet.
func safeEmitLength(buf string) int {
	limit := maxOpenerLen - 1
	if limit > len(buf) {
		limit = len(buf)
	}
	for j := limit; j >= 1; j-- {
		suffix := buf[len(buf)-j:]
		if isOpenerPrefix(suffix) {
			return len(buf) - j
		}
	}
	return len(buf)
}

func isOpenerPrefix(suffix string) bool {
	for _, o := range openers {
		if strings.HasPrefix(o.tag, suffix) {
			return true
		}
	}
	return false
}

var (
	pathPattern    = regexp.MustCompile(`(?s)path:\s*(\S+)`)
	fencedPattern  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n?(.*?)```")
	contentPattern = regexp.MustCompile(`(?s)content:\s*(.*)`)
	findPattern    = regexp.MustCompile(`(?s)find:\s*\|?\n?(.*?)\n?\s*replace:`)
	replacePattern = regexp.MustCompile(`(?s)replace:\s*\|?\n?(.*)`)
)

func extractPath(content string) string {
	m := pathPattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func extractFencedContent(content string) string {
	if m := fencedPattern.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := contentPattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func extractFindReplace(content string) (find, replace string) {
	if m := findPattern.FindStringSubmatch(content); m != nil {
		find = strings.TrimSpace(m[1])
	}
	if m := replacePattern.FindStringSubmatch(content); m != nil {
		replace = strings.TrimSpace(m[1])
	}
	return find, replace
}
