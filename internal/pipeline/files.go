package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// findByStem locates the file in dir whose name begins with stem+".".
// yt-dlp substitutes the real extension at write time, so the exact output
// name is unknowable in advance.
func findByStem(dir, stem string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	prefix := stem + "."
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && !isPartial(name) {
			return filepath.Join(dir, name), true
		}
	}
	return "", false
}

func isPartial(name string) bool {
	return strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") || strings.HasSuffix(name, ".temp")
}

// sanitizeTitle makes a client-supplied title safe to use as a filename
// inside an archive.
func sanitizeTitle(title string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
		"\x00", "",
	)
	clean := strings.TrimSpace(replacer.Replace(title))
	clean = strings.Trim(clean, ". ")
	if clean == "" {
		return "track"
	}
	if len(clean) > 150 {
		clean = clean[:150]
	}
	return clean
}

// uniqueName returns name, or name with a numeric suffix if it collides
// with an entry already in taken. The chosen name is recorded in taken.
func uniqueName(taken map[string]bool, name string) string {
	if !taken[name] {
		taken[name] = true
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !taken[candidate] {
			taken[candidate] = true
			return candidate
		}
	}
}
