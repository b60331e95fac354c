// Package plandoc is the read-only boundary to plan documents authored
// outside this tool. Plans are markdown; only the objective line is ever
// extracted, the body is opaque.
package plandoc

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// maxObjectiveLen caps the extracted objective so downstream YAML records
// and log lines stay readable.
const maxObjectiveLen = 120

// Exists reports whether a plan document is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Objective extracts the plan's one-line objective: the text of the first
// markdown H1 if the document has one, otherwise the first non-empty line.
func Objective(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open plan document: %w", err)
	}
	defer f.Close()

	var fallback string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# ") {
			return truncate(strings.TrimSpace(strings.TrimPrefix(line, "# "))), nil
		}
		if fallback == "" {
			fallback = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read plan document: %w", err)
	}
	if fallback == "" {
		return "", fmt.Errorf("plan document %s is empty", path)
	}
	return truncate(fallback), nil
}

func truncate(s string) string {
	if len(s) <= maxObjectiveLen {
		return s
	}
	return s[:maxObjectiveLen]
}
