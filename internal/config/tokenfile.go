package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// TokenFile is the legacy line-oriented credentials file:
//
//	TOKEN  +15550000000
//	OWNER  +15551234567
//	FRIEND +15557654321
//
// TOKEN names the signal-cli account. FRIEND may repeat.
type TokenFile struct {
	Token   string
	Owner   string
	Friends []string
}

// LoadTokenFile reads and parses the token file at path.
func LoadTokenFile(path string) (*TokenFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()

	tf, err := ParseTokenFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tf, nil
}

// ParseTokenFile parses KEY VALUE lines. Blank lines and lines starting
// with # are skipped. Unknown keys and lines without exactly two fields
// are errors.
func ParseTokenFile(r io.Reader) (*TokenFile, error) {
	tf := &TokenFile{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected KEY VALUE, got %d fields", lineNo, len(fields))
		}

		key, value := fields[0], fields[1]
		switch key {
		case "TOKEN":
			tf.Token = value
		case "OWNER":
			tf.Owner = value
		case "FRIEND":
			tf.Friends = append(tf.Friends, value)
		default:
			return nil, fmt.Errorf("line %d: unknown key %q", lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tf, nil
}
