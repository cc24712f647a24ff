package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// rootMarkers identify a project root while walking up from the working
// directory.
var rootMarkers = []string{".git", "go.mod"}

// LoadDotEnv applies .env files from the standard locations: the working
// directory, the project root found by walking up to a root marker, and
// ~/.mcp-memory/.env. Files are applied in that order and never override
// variables already set in the environment, so the closest file wins and
// exported variables always beat all of them.
func LoadDotEnv() {
	for _, path := range dotenvPaths() {
		applyDotEnv(path)
	}
}

func dotenvPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
		if root := findProjectRoot(cwd); root != "" && root != cwd {
			paths = append(paths, filepath.Join(root, ".env"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".mcp-memory", ".env"))
	}
	return paths
}

// findProjectRoot walks up from dir until it reaches a directory holding a
// root marker. Empty when nothing up the tree looks like a project.
func findProjectRoot(dir string) string {
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// applyDotEnv parses one file of KEY=VALUE lines and sets every key the
// environment does not already define. Missing files are fine.
func applyDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := parseDotEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, value)
	}
}

// parseDotEnvLine splits one line into a key and value. Blank lines and
// # comments yield ok=false, an optional "export " prefix is accepted,
// and a matching pair of single or double quotes around the value is
// stripped.
func parseDotEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
