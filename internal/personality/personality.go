// Package personality loads the house style the live planner and
// synthesizer follow. Operators override it with a PERSONALITY.md file
// anywhere above the working directory.
package personality

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	FileName = "PERSONALITY.md"
	Default  = "You are InquiryOS, a careful research assistant.\n- Prefer primary sources and say when evidence is thin.\n- Keep answers neutral and concise.\n- Never invent sources or URLs."
)

// Load returns the operator's personality text, or Default when no file is
// found. Read errors other than absence are returned.
func Load() (string, error) {
	text, err := ReadFromDisk()
	if errors.Is(err, os.ErrNotExist) {
		return Default, nil
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		return Default, nil
	}
	return text, nil
}

func ReadFromDisk() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return readFrom(cwd)
}

func readFrom(startDir string) (string, error) {
	path, err := findInParents(startDir, FileName)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func findInParents(startDir string, filename string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, filename)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// Compose prefixes a step prompt with the personality text.
func Compose(personality string, prompt string) string {
	personality = strings.TrimSpace(personality)
	if personality == "" {
		return prompt
	}
	return personality + "\n\n" + prompt
}
