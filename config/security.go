package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Limits applied to config layers and TOPICBRIDGE_* overrides.
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
)

// readConfigFile reads one JSON layer. Only regular .json files up to
// maxConfigSize are accepted.
func readConfigFile(path string) ([]byte, error) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, fmt.Errorf("config layer %s: only .json files are supported", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config layer: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config layer: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config layer %s is not a regular file", path)
	}

	// One byte past the limit tells an oversized file from an exact fit.
	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config layer: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config layer %s exceeds %d bytes", path, maxConfigSize)
	}
	return data, nil
}

// checkJSONDepth walks the token stream and rejects documents nested deeper
// than maxJSONDepth or that are not well formed.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if depth != 0 {
				return errors.New("unterminated JSON document")
			}
			return nil
		}
		if err != nil {
			return err
		}

		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting deeper than %d", maxJSONDepth)
			}
		case '}', ']':
			depth--
		}
	}
}

// checkEnvValue rejects override values that could not have come from a sane
// deployment: oversized or carrying control characters.
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%s is longer than %d bytes", key, maxEnvVarLen)
	}
	if strings.ContainsFunc(value, unicode.IsControl) {
		return fmt.Errorf("%s contains control characters", key)
	}
	return nil
}
