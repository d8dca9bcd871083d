package xmlscan

import (
	"errors"
	"strings"
)

// ParseTimeToSeconds converts the textual durations UPnP devices report
// ("1:02:03" or "2:05") into whole seconds. Every component must be all
// digits; minutes and seconds must be below 60. This is the single
// canonical time parser; callers must not re-implement it.
func ParseTimeToSeconds(value string) (int, error) {
	input := strings.TrimSpace(value)
	if input == "" {
		return 0, errors.New("time value is empty")
	}

	first := strings.IndexByte(input, ':')
	last := strings.LastIndexByte(input, ':')
	if first == -1 {
		return 0, errors.New("time value must contain ':'")
	}

	if first == last {
		m, okM := parseTimePart(input[:first])
		s, okS := parseTimePart(input[first+1:])
		if !okM || !okS {
			return 0, errors.New("invalid MM:SS time value")
		}
		if s >= 60 {
			return 0, errors.New("seconds out of range in MM:SS")
		}
		return m*60 + s, nil
	}

	h, okH := parseTimePart(input[:first])
	m, okM := parseTimePart(input[first+1 : last])
	s, okS := parseTimePart(input[last+1:])
	if !okH || !okM || !okS {
		return 0, errors.New("invalid HH:MM:SS time value")
	}
	if m >= 60 || s >= 60 {
		return 0, errors.New("minutes or seconds out of range in HH:MM:SS")
	}
	return h*3600 + m*60 + s, nil
}

func parseTimePart(part string) (int, bool) {
	if part == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(part); i++ {
		if part[i] < '0' || part[i] > '9' {
			return 0, false
		}
		n = n*10 + int(part[i]-'0')
	}
	return n, true
}

// ParseInt parses an optionally signed all-digit integer, rejecting
// anything whose magnitude exceeds the signed 32-bit range. Device
// firmware sends volumes and sizes as small decimal strings; anything
// larger is a protocol error, not a number.
func ParseInt(value string) (int, error) {
	input := strings.TrimSpace(value)
	if input == "" {
		return 0, errors.New("integer value is empty")
	}

	start := 0
	negative := false
	if input[0] == '+' || input[0] == '-' {
		negative = input[0] == '-'
		start = 1
	}
	if start >= len(input) {
		return 0, errors.New("integer value has no digits")
	}

	var parsed int64
	for i := start; i < len(input); i++ {
		c := input[i]
		if c < '0' || c > '9' {
			return 0, errors.New("integer value contains non-digit characters")
		}
		parsed = parsed*10 + int64(c-'0')
		if parsed > 2147483647 {
			return 0, errors.New("integer value out of range")
		}
	}

	if negative {
		return int(-parsed), nil
	}
	return int(parsed), nil
}
