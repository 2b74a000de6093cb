package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// maxConfigSize bounds the file read the same way the teacher's own
// loader does before handing bytes to a parser — a daemon config file
// has no business being large, and an unbounded read turns a truncated
// or malicious file into a memory-exhaustion bug.
const maxConfigSize int64 = 4 * 1024 * 1024

var (
	ErrConfigTooLarge = errors.New("config file is too large")
	ErrShortRead      = errors.New("failed to read entire config file")
)

// LoadFile opens path, enforces the size cap, and parses it as TOML into
// a Config, then validates it.
func LoadFile(path string) (*Config, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigTooLarge
	}

	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	if err != nil {
		return nil, err
	}
	if n != fi.Size() {
		return nil, ErrShortRead
	}
	return LoadBytes(bb.Bytes())
}

// LoadBytes parses raw TOML bytes into a validated Config.
func LoadBytes(b []byte) (*Config, error) {
	if int64(len(b)) > maxConfigSize {
		return nil, ErrConfigTooLarge
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Interfaces == nil {
		c.Interfaces = map[string]InterfaceConfig{}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
