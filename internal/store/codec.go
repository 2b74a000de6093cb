package store

import "encoding/binary"

// The persistent store schema fixes native-endian integers, single-byte
// booleans, and raw UTF-8 strings as its wire format (spec.md §3); these
// helpers are the one place that encodes/decodes that format so every
// registry field getter/setter shares the same rules.

func PutUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, v)
	return b
}

func GetUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.NativeEndian.Uint32(b)
}

func PutInt32(v int32) []byte { return PutUint32(uint32(v)) }

func GetInt32(b []byte) int32 { return int32(GetUint32(b)) }

func PutUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, v)
	return b
}

func GetUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.NativeEndian.Uint64(b)
}

func PutInt64(v int64) []byte { return PutUint64(uint64(v)) }

func GetInt64(b []byte) int64 { return int64(GetUint64(b)) }

func PutBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func GetBool(b []byte) bool { return len(b) > 0 && b[0] != 0 }

func PutString(v string) []byte { return []byte(v) }

func GetString(b []byte) string { return string(b) }
