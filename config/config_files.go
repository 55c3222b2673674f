package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// resolve lists the config files under path as absolute paths in lexical
// order. A file named directly is always taken, files found while walking a
// directory only when they end in .yml or .yaml.
func resolve(path string, direct bool) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		if !direct && !isYAML(path) {
			return nil, nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{abs}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		found, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	slices.Sort(files)
	return files, nil
}

func isYAML(path string) bool {
	switch filepath.Ext(path) {
	case ".yml", ".yaml":
		return true
	}
	return false
}
