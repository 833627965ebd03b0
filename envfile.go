package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
)

// loadEnvFile sets the variables of a .env-style file. Blank lines, comments
// and an "export " prefix are accepted; a line without '=' is an error.
// Variables already set in the environment are kept.
func loadEnvFile(path string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	vars, err := parseEnv(bufio.NewScanner(f))
	if err != nil {
		return fmt.Errorf("%s: %w", absPath, err)
	}
	for _, kv := range vars {
		if _, exists := os.LookupEnv(kv[0]); exists {
			logger.Debug("Keeping %s from the environment", kv[0])
			continue
		}
		if err := os.Setenv(kv[0], kv[1]); err != nil {
			return fmt.Errorf("setting %s: %w", kv[0], err)
		}
	}
	return nil
}

func parseEnv(scanner *bufio.Scanner) ([][2]string, error) {
	var vars [][2]string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNo)
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		vars = append(vars, [2]string{key, val})
	}
	return vars, scanner.Err()
}
