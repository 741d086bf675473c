package models

import (
	"strconv"
	"strings"
)

// ParseDurationText converts a badge-style duration string ("1:10:25",
// "10:25", "45") into total seconds. Malformed strings such as "LIVE" or
// "PREMIERE" yield 0 rather than an error; live streams have no fixed length.
func ParseDurationText(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	parts := strings.Split(s, ":")
	total := 0
	multiplier := 1
	for i := len(parts) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return 0
		}
		total += n * multiplier
		multiplier *= 60
	}
	return total
}

// DurationSeconds returns the recommendation's duration in seconds, 0 when
// the duration text is unparseable.
func (r Recommendation) DurationSeconds() int {
	return ParseDurationText(r.Duration)
}
