package dispatch

import (
	"fmt"
	"strings"

	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// XDP action codes, matching the kernel's XDP_* constants.
const (
	XDPAborted  int32 = 0
	XDPDrop     int32 = 1
	XDPPass     int32 = 2
	XDPTx       int32 = 3
	XDPRedirect int32 = 4
)

// TC action codes, matching the kernel's TC_ACT_* constants. TC_ACT_UNSPEC
// is -1, which is why the bitmask shift is 1 for TC hooks (hook.shift).
const (
	TCUnspec     int32 = -1
	TCOk         int32 = 0
	TCReclassify int32 = 1
	TCShot       int32 = 2
	TCPipe       int32 = 3
	TCStolen     int32 = 4
	TCQueued     int32 = 5
	TCRepeat     int32 = 6
	TCRedirect   int32 = 7
	TCTrap       int32 = 8
)

var xdpTokens = map[string]int32{
	"aborted":  XDPAborted,
	"drop":     XDPDrop,
	"pass":     XDPPass,
	"tx":       XDPTx,
	"redirect": XDPRedirect,
}

var tcTokens = map[string]int32{
	"unspec":     TCUnspec,
	"ok":         TCOk,
	"reclassify": TCReclassify,
	"shot":       TCShot,
	"pipe":       TCPipe,
	"stolen":     TCStolen,
	"queued":     TCQueued,
	"repeat":     TCRepeat,
	"redirect":   TCRedirect,
	"trap":       TCTrap,
}

// DefaultProceedOn returns the per-hook default proceed-on list used
// when a program omits one (spec.md invariant I3): [pass,
// dispatcher_return] for XDP, [ok, pipe, dispatcher_return] for TC.
func DefaultProceedOn(kind HookKind) []int32 {
	if kind == XDP {
		return []int32{XDPPass, dispatcherReturnFor(kind)}
	}
	return []int32{TCOk, TCPipe, dispatcherReturnFor(kind)}
}

func dispatcherReturnFor(kind HookKind) int32 {
	if kind == XDP {
		return 31
	}
	return 30
}

// ParseProceedOnTokens parses the comma-separated proceed-on token list
// for the given hook kind (spec.md §6 grammars).
func ParseProceedOnTokens(kind HookKind, csv string) ([]int32, error) {
	var table map[string]int32
	if kind == XDP {
		table = xdpTokens
	} else {
		table = tcTokens
	}
	var out []int32
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if tok == "dispatcher_return" {
			out = append(out, dispatcherReturnFor(kind))
			continue
		}
		code, ok := table[tok]
		if !ok {
			return nil, fmt.Errorf("%w: %q", taxonomy.ErrBadProceedOn, tok)
		}
		out = append(out, code)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty proceed-on list", taxonomy.ErrBadProceedOn)
	}
	return out, nil
}

// Mask packs a proceed-on action list into the bitmask the trampoline
// tests after invoking a slot: mask & (1 << (ret + shift)).
func Mask(actions []int32, shift uint) uint64 {
	var m uint64
	for _, a := range actions {
		bit := uint(a) + shift
		if a < 0 {
			// TC_ACT_UNSPEC == -1 maps to bit 0 once shifted by 1.
			bit = shift - uint(-a)
		}
		m |= 1 << bit
	}
	return m
}

// Proceeds reports whether, given the mask built from a program's
// proceed-on list, the chain continues after the program returns ret.
func Proceeds(mask uint64, ret int32, shift uint) bool {
	var bit int
	if ret < 0 {
		bit = int(shift) - int(-ret)
	} else {
		bit = int(ret) + int(shift)
	}
	if bit < 0 || bit >= 64 {
		return false
	}
	return mask&(1<<uint(bit)) != 0
}
