// Package directive turns the free-text output of the completion provider
// into an executable query directive.
package directive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/querymesh/querymesh/internal/schema"
)

type Operation string

const (
	OperationFind      Operation = "find"
	OperationAggregate Operation = "aggregate"
)

var (
	ErrDirectiveMalformed = errors.New("malformed query directive")
	ErrNotExecutable      = errors.New("query directive is not executable")
)

// Directive is the parsed form of generated query text. Document directives
// use Collection/Operation/Payload, relational directives use Statement.
type Directive struct {
	Backend    schema.BackendKind `json:"backend"`
	Collection string             `json:"collection,omitempty"`
	Operation  Operation          `json:"operation,omitempty"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	Statement  string             `json:"statement,omitempty"`
	Raw        string             `json:"-"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Parse dispatches on backend kind.
func Parse(backend schema.BackendKind, text string) (Directive, error) {
	switch backend {
	case schema.BackendDocument:
		return ParseDocument(text)
	case schema.BackendRelational:
		return ParseRelational(text)
	default:
		return Directive{Raw: text}, fmt.Errorf("%w: %q", schema.ErrUnsupportedBackend, backend)
	}
}

// ParseDocument reads "// Key: value" metadata lines and concatenates every
// other non-blank line into the JSON payload. Fence lines are dropped. The
// payload is retried once with whitespace runs collapsed before giving up;
// on success it is compacted onto one line with key order preserved.
func ParseDocument(text string) (Directive, error) {
	d := Directive{Backend: schema.BackendDocument, Raw: text}

	var payload strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "```"):
			continue
		case strings.HasPrefix(trimmed, "//"):
			d.applyMetadata(strings.TrimSpace(strings.TrimPrefix(trimmed, "//")))
		default:
			payload.WriteString(trimmed)
		}
	}

	raw := payload.String()
	if raw == "" {
		return d, fmt.Errorf("%w: empty payload", ErrDirectiveMalformed)
	}
	if !json.Valid([]byte(raw)) {
		raw = whitespaceRun.ReplaceAllString(raw, " ")
		if !json.Valid([]byte(raw)) {
			return d, fmt.Errorf("%w: payload is not valid JSON", ErrDirectiveMalformed)
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(raw)); err != nil {
		return d, fmt.Errorf("%w: compact payload: %v", ErrDirectiveMalformed, err)
	}
	d.Payload = json.RawMessage(compact.Bytes())
	return d, nil
}

func (d *Directive) applyMetadata(comment string) {
	key, value, ok := strings.Cut(comment, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "collection":
		d.Collection = value
	case "operation":
		d.Operation = Operation(strings.ToLower(value))
	}
}

// ParseRelational strips an enclosing markdown fence and otherwise keeps the
// statement as-is.
func ParseRelational(text string) (Directive, error) {
	d := Directive{Backend: schema.BackendRelational, Raw: text}
	statement := stripFence(text)
	if statement == "" {
		return d, fmt.Errorf("%w: empty statement", ErrDirectiveMalformed)
	}
	d.Statement = statement
	return d, nil
}

func stripFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	if _, rest, ok := strings.Cut(trimmed, "\n"); ok {
		trimmed = rest
	} else {
		trimmed = strings.TrimPrefix(trimmed, "```")
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// Validate reports whether the directive can be handed to an engine: a
// document directive needs both metadata lines and a payload whose shape
// matches its operation.
func (d Directive) Validate() error {
	switch d.Backend {
	case schema.BackendRelational:
		if strings.TrimSpace(d.Statement) == "" {
			return fmt.Errorf("%w: statement is empty", ErrNotExecutable)
		}
		return nil
	case schema.BackendDocument:
	default:
		return fmt.Errorf("%w: %q", schema.ErrUnsupportedBackend, d.Backend)
	}

	if d.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrNotExecutable)
	}
	payload := bytes.TrimSpace(d.Payload)
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrNotExecutable)
	}
	switch d.Operation {
	case OperationFind:
		if payload[0] != '{' {
			return fmt.Errorf("%w: find payload must be a JSON object", ErrNotExecutable)
		}
	case OperationAggregate:
		if payload[0] != '[' {
			return fmt.Errorf("%w: aggregate payload must be a JSON array", ErrNotExecutable)
		}
	case "":
		return fmt.Errorf("%w: missing operation", ErrNotExecutable)
	default:
		return fmt.Errorf("%w: unsupported operation %q", ErrNotExecutable, d.Operation)
	}
	return nil
}

// String renders the canonical wire form:
//
//	// Collection: <name>
//	// Operation: find|aggregate
//	<single-line JSON>
func (d Directive) String() string {
	if d.Backend == schema.BackendRelational {
		return d.Statement
	}
	var b strings.Builder
	if d.Collection != "" {
		b.WriteString("// Collection: ")
		b.WriteString(d.Collection)
		b.WriteByte('\n')
	}
	if d.Operation != "" {
		b.WriteString("// Operation: ")
		b.WriteString(string(d.Operation))
		b.WriteByte('\n')
	}
	b.Write(d.Payload)
	return b.String()
}
