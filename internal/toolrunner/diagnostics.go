package toolrunner

import (
	"fmt"
	"os/exec"
)

// DiagnosticItem reports the availability of one required binary.
type DiagnosticItem struct {
	Name    string `json:"name"`
	Found   bool   `json:"found"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
}

// CheckTools verifies each binary resolves on PATH (or at its configured
// location). Run at startup so a missing tool is reported before the first
// job fails with it.
func CheckTools(names ...string) []DiagnosticItem {
	items := make([]DiagnosticItem, 0, len(names))
	for _, name := range names {
		path, err := exec.LookPath(name)
		if err != nil {
			items = append(items, DiagnosticItem{
				Name:    name,
				Found:   false,
				Message: fmt.Sprintf("not found: %s", name),
			})
			continue
		}
		items = append(items, DiagnosticItem{Name: name, Found: true, Path: path})
	}
	return items
}
