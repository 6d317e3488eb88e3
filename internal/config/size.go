package config

import (
	"fmt"
	"strconv"
	"strings"
)

// IEC (binary) size multipliers; cache_size_bytes and bandwidth limits are
// specified in these units rather than decimal SI ones, matching how
// storage quotas are usually quoted.
const (
	kibibyte = 1024
	mebibyte = 1024 * kibibyte
	gibibyte = 1024 * mebibyte
	tebibyte = 1024 * gibibyte
)

// parseSize converts a human-readable size string ("10GiB", "512MiB", a
// bare number of bytes) to bytes. Empty string and "0" both return 0,
// which callers treat as "unlimited" for bandwidth; for the cache size
// the engine replaces 0 with its 10 GiB default.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	upper := strings.ToUpper(s)

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", tebibyte},
		{"GIB", gibibyte},
		{"MIB", mebibyte},
		{"KIB", kibibyte},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])
			return parseSizeNumber(numStr, sf.multiplier, s)
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("config: invalid size %q: must be non-negative", s)
	}

	return n, nil
}

func parseSizeNumber(numStr string, multiplier int64, original string) (int64, error) {
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", original, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("config: invalid size %q: must be non-negative", original)
	}

	return int64(n * float64(multiplier)), nil
}
