package conflictresolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxConflictSuffix bounds the numeric suffix tried during collision
// avoidance. Exceeding it in practice is implausible; the base (no suffix)
// path is returned as a best-effort fallback.
const maxConflictSuffix = 1000

// GenerateConflictPath returns the path the pre-conflict local copy is
// renamed to: "<stem> (conflict YYYY-MM-DD HH:MM:SS)<ext>" in UTC.
//
// Examples:
//   - report.docx  →  report (conflict 2026-02-21 14:30:52).docx
//   - .bashrc      →  .bashrc (conflict 2026-02-21 14:30:52)
//   - Makefile     →  Makefile (conflict 2026-02-21 14:30:52)
func GenerateConflictPath(originalPath string, now time.Time) string {
	stem, ext := conflictStemExt(originalPath)
	ts := now.UTC().Format("2006-01-02 15:04:05")

	base := fmt.Sprintf("%s (conflict %s)%s", stem, ts, ext)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}

	for i := 1; i <= maxConflictSuffix; i++ {
		candidate := fmt.Sprintf("%s (conflict %s %d)%s", stem, ts, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	return base
}

// conflictStemExt splits originalPath into a (stem, ext) pair. Dotfiles with
// no embedded extension (e.g. ".bashrc") are treated as having an empty
// extension so the conflict suffix is appended to the full filename rather
// than spliced before the leading dot.
func conflictStemExt(originalPath string) (stem, ext string) {
	base := filepath.Base(originalPath)
	dir := originalPath[:len(originalPath)-len(base)]

	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return dir + base, ""
	}

	ext = filepath.Ext(base)
	stem = dir + base[:len(base)-len(ext)]

	return stem, ext
}
