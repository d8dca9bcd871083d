// Package xmlscan is a minimal, tolerant extractor for the XML payloads
// produced by UPnP devices: SOAP responses, device descriptions and
// LastChange event fragments. It is deliberately not a DOM parser; the
// payloads are bounded and flat-ish, and callers only ever need one tag
// or attribute value at a time. Extraction never panics and never returns
// a Go error; every call yields a Lookup carrying either a value or a
// diagnostic string the caller can log.
package xmlscan

import "strings"

// Lookup is the result of a tag or attribute extraction.
type Lookup struct {
	OK    bool
	Value string
	Err   string
}

func failure(err string) Lookup {
	return Lookup{Err: err}
}

func success(value string) Lookup {
	return Lookup{OK: true, Value: value}
}

// localName strips any namespace prefix: "dc:title" -> "title".
func localName(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// namesMatch compares tag names namespace-agnostically, so a document
// using <dc:title> still matches a request for "title" (and vice versa).
func namesMatch(xmlName, expected string) bool {
	if xmlName == "" || expected == "" {
		return false
	}
	if xmlName == expected {
		return true
	}
	return localName(xmlName) == localName(expected)
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == ':' || c == '_' || c == '-' || c == '.':
		return true
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// tagInfo describes one parsed tag starting at a '<'.
type tagInfo struct {
	name        string
	closing     bool
	selfClosing bool
	nameEnd     int // index just past the tag name
	end         int // index of the closing '>'
}

// parseTagAt parses the tag whose '<' is at pos. A false return with an
// empty error means the bracket did not introduce a well-formed tag and
// the caller should resume scanning one byte later.
func parseTagAt(xml string, pos int) (tagInfo, bool) {
	var info tagInfo
	cursor := pos + 1
	if cursor >= len(xml) {
		return info, false
	}
	if xml[cursor] == '/' {
		info.closing = true
		cursor++
	}
	if cursor >= len(xml) || !isNameChar(xml[cursor]) {
		return info, false
	}
	nameStart := cursor
	for cursor < len(xml) && isNameChar(xml[cursor]) {
		cursor++
	}
	info.name = xml[nameStart:cursor]
	info.nameEnd = cursor

	end := strings.IndexByte(xml[cursor:], '>')
	if end == -1 {
		return info, false
	}
	info.end = cursor + end

	probe := info.end - 1
	for probe > pos && isSpace(xml[probe]) {
		probe--
	}
	info.selfClosing = !info.closing && probe > pos && xml[probe] == '/'
	return info, true
}

// skipSpecialSection recognizes the opaque spans that must not be scanned
// for tags: declarations/PIs, comments, CDATA and <!...> markup. It returns
// the position after the section, whether a section was skipped, and a
// diagnostic if the section is unterminated.
func skipSpecialSection(xml string, pos int) (next int, skipped bool, err string) {
	rest := xml[pos:]
	switch {
	case strings.HasPrefix(rest, "<?"):
		end := strings.Index(rest[2:], "?>")
		if end == -1 {
			return 0, false, "unclosed XML declaration or processing instruction"
		}
		return pos + 2 + end + 2, true, ""
	case strings.HasPrefix(rest, "<!--"):
		end := strings.Index(rest[4:], "-->")
		if end == -1 {
			return 0, false, "unclosed XML comment"
		}
		return pos + 4 + end + 3, true, ""
	case strings.HasPrefix(rest, "<![CDATA["):
		end := strings.Index(rest[9:], "]]>")
		if end == -1 {
			return 0, false, "unclosed CDATA section"
		}
		return pos + 9 + end + 3, true, ""
	case strings.HasPrefix(rest, "<!"):
		end := strings.IndexByte(rest[2:], '>')
		if end == -1 {
			return 0, false, "unclosed XML declaration"
		}
		return pos + 2 + end + 1, true, ""
	}
	return 0, false, ""
}

// FindTagValue scans xml for the first opening tag matching tag and returns
// its inner text, trimmed and entity-decoded. Nested same-named tags are
// depth-tracked so an inner <x> does not terminate the outer <x>. A matching
// self-closing tag yields an empty successful value.
func FindTagValue(xml, tag string) Lookup {
	if xml == "" {
		return failure("XML payload is empty")
	}
	if tag == "" {
		return failure("requested tag is empty")
	}

	scanPos := 0
	for scanPos < len(xml) {
		rel := strings.IndexByte(xml[scanPos:], '<')
		if rel == -1 {
			break
		}
		openPos := scanPos + rel

		if next, skipped, err := skipSpecialSection(xml, openPos); skipped {
			scanPos = next
			continue
		} else if err != "" {
			return failure(err)
		}

		info, ok := parseTagAt(xml, openPos)
		if !ok {
			scanPos = openPos + 1
			continue
		}

		if !info.closing && namesMatch(info.name, tag) {
			if info.selfClosing {
				return success("")
			}
			return scanTagContent(xml, tag, info.end+1)
		}

		scanPos = info.end + 1
	}

	return failure("tag <" + tag + "> not found")
}

// scanTagContent finds the matching close tag for an open tag whose content
// starts at contentStart, tracking nesting depth for same-named inner tags.
func scanTagContent(xml, tag string, contentStart int) Lookup {
	scanPos := contentStart
	depth := 0
	for scanPos < len(xml) {
		rel := strings.IndexByte(xml[scanPos:], '<')
		if rel == -1 {
			break
		}
		openPos := scanPos + rel

		if next, skipped, err := skipSpecialSection(xml, openPos); skipped {
			scanPos = next
			continue
		} else if err != "" {
			return failure(err)
		}

		info, ok := parseTagAt(xml, openPos)
		if !ok {
			scanPos = openPos + 1
			continue
		}

		if namesMatch(info.name, tag) {
			if info.closing {
				if depth == 0 {
					raw := strings.TrimSpace(xml[contentStart:openPos])
					return success(DecodeEntities(raw))
				}
				depth--
			} else if !info.selfClosing {
				depth++
			}
		}

		scanPos = info.end + 1
	}

	return failure("tag <" + tag + "> has no closing element")
}

// FindAttributeValue locates the first opening tag matching tag and extracts
// the named attribute from its attribute list, entity-decoded. Attribute
// names are matched with the same namespace-agnostic rule as tag names.
func FindAttributeValue(xml, tag, attribute string) Lookup {
	if xml == "" {
		return failure("XML payload is empty")
	}
	if tag == "" {
		return failure("requested tag is empty")
	}
	if attribute == "" {
		return failure("requested attribute is empty")
	}

	scanPos := 0
	for scanPos < len(xml) {
		rel := strings.IndexByte(xml[scanPos:], '<')
		if rel == -1 {
			break
		}
		openPos := scanPos + rel

		if next, skipped, err := skipSpecialSection(xml, openPos); skipped {
			scanPos = next
			continue
		} else if err != "" {
			return failure(err)
		}

		info, ok := parseTagAt(xml, openPos)
		if !ok {
			scanPos = openPos + 1
			continue
		}

		if !info.closing && namesMatch(info.name, tag) {
			if value, found := findAttributeIn(xml[info.nameEnd:info.end], attribute); found {
				return success(DecodeEntities(value))
			}
			return failure("tag <" + tag + "> has no attribute '" + attribute + "'")
		}

		scanPos = info.end + 1
	}

	return failure("tag <" + tag + "> not found")
}

// findAttributeIn scans an opening tag's attribute region for name="value"
// or name='value' pairs.
func findAttributeIn(attrs, attribute string) (string, bool) {
	pos := 0
	for pos < len(attrs) {
		for pos < len(attrs) && (isSpace(attrs[pos]) || attrs[pos] == '/') {
			pos++
		}
		if pos >= len(attrs) || !isNameChar(attrs[pos]) {
			break
		}
		nameStart := pos
		for pos < len(attrs) && isNameChar(attrs[pos]) {
			pos++
		}
		name := attrs[nameStart:pos]

		for pos < len(attrs) && isSpace(attrs[pos]) {
			pos++
		}
		if pos >= len(attrs) || attrs[pos] != '=' {
			continue
		}
		pos++
		for pos < len(attrs) && isSpace(attrs[pos]) {
			pos++
		}
		if pos >= len(attrs) || (attrs[pos] != '"' && attrs[pos] != '\'') {
			continue
		}
		quote := attrs[pos]
		pos++
		valueStart := pos
		end := strings.IndexByte(attrs[pos:], quote)
		if end == -1 {
			break
		}
		pos += end
		if namesMatch(name, attribute) {
			return attrs[valueStart:pos], true
		}
		pos++
	}
	return "", false
}
