// Package parser reads the flag definition text format: a two-space indented
// document with a single top-level "features:" block. It understands only
// that subset, not general YAML, and rejects anything outside it.
//
//	features:
//	  dark_mode: true            # scalar form
//	  checkout_v2:               # block form
//	    enabled: yes
//	    description: "New checkout"
//	    metadata:
//	      rollout: 25%
//	      owner: payments
package parser

import (
	"strconv"
	"strings"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// DefaultSourceName tags records produced by Parse.
const DefaultSourceName = "yaml"

const featuresHeader = "features"

type line struct {
	num    int
	indent int
	key    string
	value  string
}

// Parse parses text into records tagged with DefaultSourceName.
func Parse(text string) (map[string]domain.FlagRecord, error) {
	return ParseWithSource(text, DefaultSourceName)
}

// ParseWithSource parses text into records tagged with source.
func ParseWithSource(text, source string) (map[string]domain.FlagRecord, error) {
	lines, err := tokenize(text)
	if err != nil {
		return nil, err
	}

	p := &parser{lines: lines, source: source, flags: make(map[string]domain.FlagRecord)}
	return p.parse()
}

type parser struct {
	lines  []line
	pos    int
	source string
	flags  map[string]domain.FlagRecord
}

// Indentation of each nesting level.
const (
	featureIndent  = 2
	fieldIndent    = 4
	metadataIndent = 6
)

func (p *parser) parse() (map[string]domain.FlagRecord, error) {
	headerLine := 0

	for p.pos < len(p.lines) {
		l := p.lines[p.pos]
		p.pos++

		switch {
		case l.indent != 0:
			return nil, domain.NewParseError(l.num, "unexpected indentation outside features block")
		case l.key != featuresHeader:
			return nil, domain.NewParseError(l.num, "unexpected top-level key "+quote(l.key))
		case headerLine != 0:
			return nil, domain.NewParseError(l.num, "duplicate features header")
		case l.value != "":
			return nil, domain.NewParseError(l.num, "features header must not carry a value")
		}
		headerLine = l.num
		if err := p.parseFeatures(); err != nil {
			return nil, err
		}
	}

	if headerLine == 0 {
		return nil, domain.NewParseError(0, "missing features: header")
	}
	if len(p.flags) == 0 {
		return nil, domain.NewParseError(headerLine, "features block must contain at least one feature")
	}
	return p.flags, nil
}

func (p *parser) parseFeatures() error {
	for p.pos < len(p.lines) {
		l := p.lines[p.pos]
		if l.indent == 0 {
			return nil
		}
		if err := expectIndent(l, featureIndent); err != nil {
			return err
		}
		p.pos++

		if l.value == "" {
			if err := p.parseBlock(l); err != nil {
				return err
			}
			continue
		}

		enabled, ok := parseBool(l.value)
		if !ok {
			return domain.NewParseError(l.num, "invalid boolean literal "+quote(l.value)+" for feature "+quote(l.key))
		}
		if err := p.noChildren(l, "feature "+quote(l.key)+" has a value and cannot have fields"); err != nil {
			return err
		}
		if err := p.add(l, enabled, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseBlock(entry line) error {
	enabled := false
	metadata := make(map[string]string)

	for p.pos < len(p.lines) {
		l := p.lines[p.pos]
		if l.indent <= entry.indent {
			break
		}
		if err := expectIndent(l, fieldIndent); err != nil {
			return err
		}
		p.pos++

		switch l.key {
		case "enabled":
			v, ok := parseBool(l.value)
			if !ok {
				return domain.NewParseError(l.num, "invalid boolean literal "+quote(l.value)+" for enabled")
			}
			enabled = v

		case "description":
			metadata["description"] = unquote(l.value)

		case "metadata":
			if l.value != "" {
				return domain.NewParseError(l.num, "metadata must be a block")
			}
			for p.pos < len(p.lines) && p.lines[p.pos].indent > l.indent {
				m := p.lines[p.pos]
				if err := expectIndent(m, metadataIndent); err != nil {
					return err
				}
				p.pos++
				if err := p.noChildren(m, "metadata values cannot be nested"); err != nil {
					return err
				}
				metadata[m.key] = unquote(m.value)
			}
			continue

		default:
			return domain.NewParseError(l.num, "unknown field "+quote(l.key)+" for feature "+quote(entry.key))
		}

		if err := p.noChildren(l, quote(l.key)+" cannot have nested fields"); err != nil {
			return err
		}
	}

	return p.add(entry, enabled, metadata)
}

func (p *parser) add(l line, enabled bool, metadata map[string]string) error {
	record, err := domain.NewFlagRecord(l.key, enabled, p.source, metadata)
	if err != nil {
		return domain.NewParseError(l.num, err.Error())
	}
	p.flags[l.key] = record
	return nil
}

// noChildren fails at the first line nested under parent.
func (p *parser) noChildren(parent line, msg string) error {
	if p.pos < len(p.lines) && p.lines[p.pos].indent > parent.indent {
		return domain.NewParseError(p.lines[p.pos].num, msg)
	}
	return nil
}

func expectIndent(l line, want int) error {
	if l.indent != want {
		return domain.NewParseError(l.num, "expected "+strconv.Itoa(want)+" spaces of indentation, got "+strconv.Itoa(l.indent))
	}
	return nil
}

// tokenize drops blank and comment lines and splits the rest into key/value.
func tokenize(text string) ([]line, error) {
	raw := strings.Split(text, "\n")
	lines := make([]line, 0, len(raw))

	for i, r := range raw {
		num := i + 1
		r = strings.TrimRight(r, "\r")

		trimmed := strings.TrimSpace(r)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		indent := 0
		for indent < len(r) && r[indent] == ' ' {
			indent++
		}
		if indent < len(r) && r[indent] == '\t' {
			return nil, domain.NewParseError(num, "tabs are not allowed in indentation")
		}

		content := stripComment(r[indent:])
		key, value, found := strings.Cut(content, ":")
		if !found {
			return nil, domain.NewParseError(num, "expected key: value")
		}

		key = unquote(strings.TrimSpace(key))
		if key == "" {
			return nil, domain.NewParseError(num, "empty key")
		}

		lines = append(lines, line{
			num:    num,
			indent: indent,
			key:    key,
			value:  strings.TrimSpace(value),
		})
	}

	return lines, nil
}

// stripComment removes a trailing "# ..." that sits outside quotes and is
// preceded by whitespace.
func stripComment(s string) string {
	var inQuote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == '#' && (i == 0 || s[i-1] == ' ' || s[i-1] == '\t'):
			return strings.TrimRight(s[:i], " \t")
		}
	}
	return strings.TrimRight(s, " \t")
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true, true
	case "false", "no", "off", "0":
		return false, true
	default:
		return false, false
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func quote(s string) string {
	return `"` + s + `"`
}
