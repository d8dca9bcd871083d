package xmlscan

import "strings"

// DecodeEntities resolves the five XML built-in entities and numeric
// character references (&#NN; and &#xHH;) up to U+10FFFF, emitting the
// proper UTF-8 byte sequence. Anything unrecognized passes through
// unchanged, ampersand and semicolon included, since these payloads come
// from devices that occasionally emit stray ampersands.
func DecodeEntities(input string) string {
	if !strings.ContainsRune(input, '&') {
		return input
	}

	var b strings.Builder
	b.Grow(len(input))

	for i := 0; i < len(input); i++ {
		if input[i] != '&' {
			b.WriteByte(input[i])
			continue
		}

		semi := strings.IndexByte(input[i+1:], ';')
		if semi == -1 {
			b.WriteByte(input[i])
			continue
		}
		entity := input[i+1 : i+1+semi]

		switch entity {
		case "amp":
			b.WriteByte('&')
		case "lt":
			b.WriteByte('<')
		case "gt":
			b.WriteByte('>')
		case "quot":
			b.WriteByte('"')
		case "apos":
			b.WriteByte('\'')
		default:
			if cp, ok := parseCharRef(entity); ok {
				writeUTF8(&b, cp)
			} else {
				b.WriteByte('&')
				b.WriteString(entity)
				b.WriteByte(';')
			}
		}

		i += semi + 1
	}

	return b.String()
}

// parseCharRef parses the body of a numeric character reference
// ("#65" or "#x41") into a code point.
func parseCharRef(entity string) (int, bool) {
	if len(entity) == 0 || entity[0] != '#' {
		return 0, false
	}
	body := entity[1:]
	base := 10
	if len(body) > 0 && (body[0] == 'x' || body[0] == 'X') {
		base = 16
		body = body[1:]
	}
	if body == "" {
		return 0, false
	}

	value := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		var digit int
		switch {
		case c >= '0' && c <= '9':
			digit = int(c - '0')
		case base == 16 && c >= 'a' && c <= 'f':
			digit = 10 + int(c-'a')
		case base == 16 && c >= 'A' && c <= 'F':
			digit = 10 + int(c-'A')
		default:
			return 0, false
		}
		value = value*base + digit
		if value > 0x10FFFF {
			return 0, false
		}
	}
	return value, true
}

// writeUTF8 encodes a code point as 1-4 UTF-8 bytes by range.
func writeUTF8(b *strings.Builder, cp int) {
	switch {
	case cp <= 0x7F:
		b.WriteByte(byte(cp))
	case cp <= 0x7FF:
		b.WriteByte(byte(0xC0 | (cp>>6)&0x1F))
		b.WriteByte(byte(0x80 | cp&0x3F))
	case cp <= 0xFFFF:
		b.WriteByte(byte(0xE0 | (cp>>12)&0x0F))
		b.WriteByte(byte(0x80 | (cp>>6)&0x3F))
		b.WriteByte(byte(0x80 | cp&0x3F))
	default:
		b.WriteByte(byte(0xF0 | (cp>>18)&0x07))
		b.WriteByte(byte(0x80 | (cp>>12)&0x3F))
		b.WriteByte(byte(0x80 | (cp>>6)&0x3F))
		b.WriteByte(byte(0x80 | cp&0x3F))
	}
}
