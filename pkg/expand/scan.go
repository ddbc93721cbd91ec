package expand

import (
	"strings"

	"github.com/openfroyo/converge/pkg/rval"
)

// segment is one piece of a scanned string: literal text or a reference.
type segment struct {
	literal string

	isRef  bool
	inner  string // text between the delimiters
	raw    string // original text including $( and )
	splice bool   // @(name)
}

// scan splits s into literal runs and $(...) / ${...} references. A
// backslash before $ produces a literal dollar sign. A reference without a
// closing delimiter is kept as literal text. @(...) is only recognised when it
// spans the whole string.
func scan(s string) []segment {
	if len(s) >= 3 && s[0] == '@' && (s[1] == '(' || s[1] == '{') {
		if end := matchClose(s, 1); end == len(s)-1 {
			return []segment{{isRef: true, inner: s[2:end], raw: s, splice: true}}
		}
	}

	var segs []segment
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == '$' {
			lit.WriteByte('$')
			i++
			continue
		}
		if c == '$' && i+1 < len(s) && (s[i+1] == '(' || s[i+1] == '{') {
			end := matchClose(s, i+1)
			if end < 0 {
				lit.WriteString(s[i:])
				break
			}
			flush()
			segs = append(segs, segment{isRef: true, inner: s[i+2 : end], raw: s[i : end+1]})
			i = end
			continue
		}
		lit.WriteByte(c)
	}
	flush()
	return segs
}

// matchClose returns the index of the delimiter closing the one at open,
// honouring nesting of the same delimiter kind and skipping quoted strings.
func matchClose(s string, open int) int {
	opening := s[open]
	closing := byte(')')
	if opening == '{' {
		closing = '}'
	}

	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			if depth > 0 {
				quote = c
			}
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// HasRefs reports whether s contains at least one unescaped reference.
func HasRefs(s string) bool {
	for _, seg := range scan(s) {
		if seg.isRef {
			return true
		}
	}
	return false
}

// IsNakedRef reports whether s consists of exactly one reference, and
// returns the text inside the delimiters.
func IsNakedRef(s string) (string, bool) {
	segs := scan(s)
	if len(segs) != 1 || !segs[0].isRef {
		return "", false
	}
	return segs[0].inner, true
}

// RefNames returns the text of every top-level reference in s in order of
// appearance, including references nested inside other references.
func RefNames(s string) []string {
	var out []string
	for _, seg := range scan(s) {
		if !seg.isRef {
			continue
		}
		out = append(out, RefNames(seg.inner)...)
		out = append(out, seg.inner)
	}
	return out
}

// parseCall recognises name(arg, ...) and returns the name and the raw
// argument strings with surrounding quotes removed.
func parseCall(s string) (string, []string, bool) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || s[len(s)-1] != ')' {
		return "", nil, false
	}
	name := s[:open]
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return "", nil, false
		}
	}
	if matchClose(s, open) != len(s)-1 {
		return "", nil, false
	}

	body := s[open+1 : len(s)-1]
	if strings.TrimSpace(body) == "" {
		return name, nil, true
	}

	var args []string
	var cur strings.Builder
	depth := 0
	var quote byte
	quoted := false
	emit := func() {
		arg := cur.String()
		if !quoted {
			arg = strings.TrimSpace(arg)
		}
		args = append(args, arg)
		cur.Reset()
		quoted = false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == '\\' && i+1 < len(body) && body[i+1] == quote {
				cur.WriteByte(quote)
				i++
				continue
			}
			if c == quote {
				quote = 0
				continue
			}
			cur.WriteByte(c)
			continue
		}
		switch {
		case (c == '"' || c == '\'') && depth == 0 && strings.TrimSpace(cur.String()) == "":
			cur.Reset()
			quote = c
			quoted = true
		case c == '(' || c == '{':
			depth++
			cur.WriteByte(c)
		case c == ')' || c == '}':
			depth--
			cur.WriteByte(c)
		case c == ',' && depth == 0:
			emit()
		case quoted && (c == ' ' || c == '\t'):
			// whitespace after a closing quote
		default:
			cur.WriteByte(c)
		}
	}
	emit()
	return name, args, true
}

// Escape protects every $( and ${ in s with a backslash, so that a value
// that has already been expanded keeps its text when it is stored and
// expanded again.
func Escape(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == '$' {
			b.WriteByte('\\')
		}
		if c == '$' && i+1 < len(s) && (s[i+1] == '(' || s[i+1] == '{') {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unescape removes the backslashes Escape adds. References are kept as
// written.
func Unescape(s string) string {
	if !strings.Contains(s, `\$`) {
		return s
	}
	var b strings.Builder
	for _, seg := range scan(s) {
		if seg.isRef {
			b.WriteString(seg.raw)
			continue
		}
		b.WriteString(seg.literal)
	}
	return b.String()
}

// EscapeRval applies Escape to a scalar and to every scalar of a list.
// Other values are returned unchanged.
func EscapeRval(r rval.Rval) rval.Rval {
	switch r.Kind() {
	case rval.KindScalar:
		s, _ := r.AsScalar()
		return rval.Scalar(Escape(s))
	case rval.KindList:
		items, _ := r.AsList()
		out := make([]rval.Rval, len(items))
		for i, item := range items {
			out[i] = EscapeRval(item)
		}
		return rval.List(out...)
	default:
		return r
	}
}
