// Package mimeparam parses ';'-separated name=value parameter lists as found
// in Content-Disposition, Content-Type and Sec-WebSocket-Extensions headers,
// including values split into RFC 2231 continuation sections.
package mimeparam

import (
	"strconv"
	"strings"
)

// Param is one name=value token. Quoted values are unquoted and unescaped.
type Param struct {
	Name  string
	Value string
}

// Parse splits s into parameters. Tokens without '=' are kept with an empty
// value so that flags such as "permessage-deflate" survive.
func Parse(s string) []Param {
	var params []Param
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		if s[0] == ';' {
			s = s[1:]
			continue
		}

		end := strings.IndexAny(s, "=;")
		if end < 0 || s[end] == ';' {
			var name string
			if end < 0 {
				name, s = s, ""
			} else {
				name, s = s[:end], s[end+1:]
			}
			if name = strings.TrimSpace(name); name != "" {
				params = append(params, Param{Name: name})
			}
			continue
		}

		name := strings.TrimSpace(s[:end])
		s = strings.TrimLeft(s[end+1:], " \t")

		var value string
		if len(s) > 0 && s[0] == '"' {
			value, s = quoted(s[1:])
		} else {
			semi := strings.IndexByte(s, ';')
			if semi < 0 {
				value, s = s, ""
			} else {
				value, s = s[:semi], s[semi+1:]
			}
			value = strings.TrimRight(value, " \t")
		}
		params = append(params, Param{Name: name, Value: value})
	}
	return params
}

// quoted reads a quoted-string body up to the next unescaped quote and
// returns the unescaped value plus the input after the closing quote and any
// trailing junk up to the next ';'. An unterminated quote runs to the end.
func quoted(s string) (string, string) {
	var b strings.Builder
	i := 0
	for ; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			i++
			b.WriteByte(s[i])
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
	}
	if i >= len(s) {
		return b.String(), ""
	}
	rest := s[i+1:]
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		rest = rest[semi+1:]
	} else {
		rest = ""
	}
	return b.String(), rest
}

// Lookup returns the value of the parameter called name. An exact match
// wins; otherwise the value is rebuilt from continuation sections name*0,
// name*1, ... which may appear in any order. Reconstruction stops at the
// first missing section index. Names compare case-insensitively, as MIME
// parameter names do (RFC 2045), so the first match ignoring case wins.
func Lookup(s, name string) (string, bool) {
	return lookup(Parse(s), name, false)
}

// LookupParams is Lookup over an already parsed list.
func LookupParams(params []Param, name string) (string, bool) {
	return lookup(params, name, false)
}

func lookup(params []Param, name string, extended bool) (string, bool) {
	for _, p := range params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}

	first, ok := section(params, name, 0, extended)
	if !ok {
		return "", false
	}

	var b strings.Builder
	b.WriteString(first)
	// A crafted list can only contribute one section per token, so the
	// number of tokens bounds the number of rounds.
	for idx := 1; idx <= len(params); idx++ {
		v, ok := section(params, name, idx, extended)
		if !ok {
			break
		}
		b.WriteString(v)
	}
	return b.String(), true
}

// section scans every parameter for name*idx (or name*idx* when extended
// encoding is requested and present).
func section(params []Param, name string, idx int, extended bool) (string, bool) {
	plain := name + "*" + strconv.Itoa(idx)
	for _, p := range params {
		if strings.EqualFold(p.Name, plain) {
			return p.Value, true
		}
		if extended && strings.EqualFold(p.Name, plain+"*") {
			return p.Value, true
		}
	}
	return "", false
}
