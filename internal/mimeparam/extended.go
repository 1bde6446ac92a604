package mimeparam

import (
	"strconv"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// LookupDecoded is Lookup extended with RFC 2231 value encoding:
// name*=charset'language'%XX... and encoded continuation sections
// (name*0*=, name*1*=). Percent escapes are undone and the result is
// converted from the declared charset to UTF-8. Unknown charsets leave the
// percent-decoded bytes as they are.
func LookupDecoded(s, name string) (string, bool) {
	params := Parse(s)
	for _, p := range params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	for _, p := range params {
		if strings.EqualFold(p.Name, name+"*") {
			charset, raw := splitExtended(p.Value)
			return toUTF8(charset, percentDecode(raw)), true
		}
	}

	var (
		b       strings.Builder
		charset string
	)
	for idx := 0; idx <= len(params); idx++ {
		v, encoded, ok := encodedSection(params, name, idx)
		if !ok {
			if idx == 0 {
				return "", false
			}
			break
		}
		if encoded {
			if idx == 0 {
				charset, v = splitExtended(v)
			}
			v = percentDecode(v)
		}
		b.WriteString(v)
	}
	return toUTF8(charset, b.String()), true
}

func encodedSection(params []Param, name string, idx int) (value string, encoded, ok bool) {
	plain := name + "*" + strconv.Itoa(idx)
	for _, p := range params {
		switch {
		case strings.EqualFold(p.Name, plain):
			return p.Value, false, true
		case strings.EqualFold(p.Name, plain+"*"):
			return p.Value, true, true
		}
	}
	return "", false, false
}

// splitExtended splits charset'language'value. Input without the two
// quotes is returned unchanged with no charset.
func splitExtended(v string) (charset, value string) {
	first := strings.IndexByte(v, '\'')
	if first < 0 {
		return "", v
	}
	second := strings.IndexByte(v[first+1:], '\'')
	if second < 0 {
		return "", v
	}
	return v[:first], v[first+1+second+1:]
}

func percentDecode(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func toUTF8(charset, s string) string {
	if charset == "" {
		return s
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return s
	}
	decoded, err := enc.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return decoded
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
