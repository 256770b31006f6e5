package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UniqueName derives a collision-free object name from the upload time and the original file name.
// The nanosecond timestamp keeps names ordered, the random segment separates concurrent uploads.
func UniqueName(original string, now time.Time) string {
	return fmt.Sprintf("%d-%s-%s", now.UnixNano(), uuid.NewString()[:8], SanitizeFileName(original))
}

// SanitizeFileName lowercases the name and replaces anything outside [a-z0-9-_] with dashes.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" || base == "." {
		base = "document"
	}
	if ext == "" || ext == "." {
		ext = ".bin"
	}
	return base + ext
}
