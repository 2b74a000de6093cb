package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// ProgramType enumerates the TYPE token of the "TYPE:FUNC[:ATTACH_FN]"
// grammar (spec.md §6).
type ProgramType string

const (
	ProgramFentry     ProgramType = "fentry"
	ProgramFexit      ProgramType = "fexit"
	ProgramKprobe     ProgramType = "kprobe"
	ProgramTC         ProgramType = "tc"
	ProgramTCX        ProgramType = "tcx"
	ProgramTracepoint ProgramType = "tracepoint"
	ProgramUprobe     ProgramType = "uprobe"
	ProgramXDP        ProgramType = "xdp"
)

func validProgramType(t ProgramType) bool {
	switch t {
	case ProgramFentry, ProgramFexit, ProgramKprobe, ProgramTC, ProgramTCX,
		ProgramTracepoint, ProgramUprobe, ProgramXDP:
		return true
	}
	return false
}

// ProgramToken is a parsed "TYPE:FUNC[:ATTACH_FN]" spec.
type ProgramToken struct {
	Type     ProgramType
	Func     string
	AttachFn string // required iff Type is fentry or fexit
}

// ParseProgramToken parses the file-based load token grammar.
func ParseProgramToken(s string) (ProgramToken, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return ProgramToken{}, fmt.Errorf("%w: %q", taxonomy.ErrBadProgramType, s)
	}
	t := ProgramType(parts[0])
	if !validProgramType(t) {
		return ProgramToken{}, fmt.Errorf("%w: %q", taxonomy.ErrBadProgramType, parts[0])
	}
	tok := ProgramToken{Type: t, Func: parts[1]}
	needsAttachFn := t == ProgramFentry || t == ProgramFexit
	if needsAttachFn {
		if len(parts) != 3 || parts[2] == "" {
			return ProgramToken{}, fmt.Errorf("%w: %s requires ATTACH_FN", taxonomy.ErrBadProgramType, t)
		}
		tok.AttachFn = parts[2]
	} else if len(parts) == 3 {
		return ProgramToken{}, fmt.Errorf("%w: %s does not take ATTACH_FN", taxonomy.ErrBadProgramType, t)
	}
	return tok, nil
}

// ParseGlobalData parses a single "NAME=HEX" global-data token. HEX must
// be an even-length, non-empty hex string; a leading "0x" is rejected —
// this matches the documented grammar even though it is unclear whether
// rejecting "0x" was intentional upstream (see DESIGN.md Open Question
// decisions). Bytes are interpreted big-endian as written.
func ParseGlobalData(s string) (name string, data []byte, err error) {
	idx := strings.IndexByte(s, '=')
	if idx <= 0 {
		return "", nil, fmt.Errorf("%w: global data token %q missing '='", taxonomy.ErrBadProgramType, s)
	}
	name, hexStr := s[:idx], s[idx+1:]
	if hexStr == "" || len(hexStr)%2 != 0 {
		return "", nil, fmt.Errorf("%w: global data value %q must be non-empty, even-length hex", taxonomy.ErrBadProgramType, hexStr)
	}
	if strings.HasPrefix(hexStr, "0x") || strings.HasPrefix(hexStr, "0X") {
		return "", nil, fmt.Errorf("%w: global data value %q must not have a 0x prefix", taxonomy.ErrBadProgramType, hexStr)
	}
	data, err = hex.DecodeString(hexStr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: global data value %q is not valid hex", taxonomy.ErrBadProgramType, hexStr)
	}
	return name, data, nil
}

// DeclarativeProgram is one programs.d/*.toml fragment: a program that
// the daemon loads automatically at startup.
type DeclarativeProgram struct {
	Name       string            `toml:"name"`
	Program    string            `toml:"program"` // "TYPE:FUNC[:ATTACH_FN]"
	Location   string            `toml:"location"`
	PullPolicy string            `toml:"pull_policy"`
	Interface  string            `toml:"interface"`
	Priority   int32             `toml:"priority"`
	Direction  string            `toml:"direction"`
	ProceedOn  []string          `toml:"proceed_on"`
	GlobalData []string          `toml:"global_data"`
	Metadata   map[string]string `toml:"metadata"`
	MapOwnerID *uint32           `toml:"map_owner_id"`
}

// LoadProgramsD scans dir for *.toml fragments and parses each into a
// DeclarativeProgram. A malformed fragment aborts the whole scan: a
// typo in one file should not silently skip a program at daemon start.
func LoadProgramsD(dir string) ([]DeclarativeProgram, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []DeclarativeProgram
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var dp DeclarativeProgram
		if err := toml.Unmarshal(b, &dp); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if _, err := ParseProgramToken(dp.Program); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, dp)
	}
	return out, nil
}
