// Package jsonutil provides small JSON encode/decode helpers shared by the
// diagnostics and configuration-loading code paths.
package jsonutil

import (
	"encoding/hex"
	"errors"
	"strconv"
	"unsafe"

	jsp "github.com/buger/jsonparser"
)

const hextable = "0123456789abcdef"

var ErrValue = errors.New("invalid value")

// Hex appends the hex-quoted representation of src to dst, eg. "0xdeadbeef".
func Hex(dst []byte, src []byte) []byte {
	if src == nil {
		return append(dst, `null`...)
	} else if len(src) == 0 {
		return append(dst, `""`...)
	}

	dst = append(dst, `"0x`...)
	for _, v := range src {
		dst = append(dst, hextable[v>>4], hextable[v&0x0f])
	}
	return append(dst, '"')
}

// UnHex parses a Hex-encoded value from src into dst.
func UnHex(dst []byte, src []byte) ([]byte, error) {
	src = Q(src)
	if len(src) < 2 {
		return dst, nil
	} else if src[0] == '0' && src[1] == 'x' {
		src = src[2:]
	}
	bl := len(src) / 2
	if cap(dst) >= bl {
		dst = dst[:bl]
	} else {
		dst = make([]byte, bl)
	}
	_, err := hex.Decode(dst, src)
	return dst, err
}

func U64(dst []byte, src uint64) []byte {
	return strconv.AppendUint(dst, src, 10)
}

func UnU64(src []byte) (uint64, error) {
	return strconv.ParseUint(S(src), 0, 64)
}

func Bool(dst []byte, val bool) []byte {
	if val {
		return append(dst, `true`...)
	}
	return append(dst, `false`...)
}

func UnBool(src []byte) (bool, error) {
	switch SQ(src) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, ErrValue
	}
}

// S returns a string backed by buf's memory, without copying.
func S(buf []byte) string {
	return *(*string)(unsafe.Pointer(&buf))
}

// Q strips surrounding double quotes from buf, if present.
func Q(buf []byte) []byte {
	if l := len(buf); l > 1 && buf[0] == '"' && buf[l-1] == '"' {
		return buf[1 : l-1]
	}
	return buf
}

// SQ is S(Q(buf)).
func SQ(buf []byte) string {
	if l := len(buf); l > 1 && buf[0] == '"' && buf[l-1] == '"' {
		buf = buf[1 : l-1]
	}
	return *(*string)(unsafe.Pointer(&buf))
}

// ArrayEach calls cb for each element of the src JSON array.
// If cb returns a non-nil error, iteration stops and the error is returned.
func ArrayEach(src []byte, cb func(val []byte) error) (reterr error) {
	defer func() {
		if r, ok := recover().(error); ok {
			reterr = r
		}
	}()

	jsp.ArrayEach(src, func(val []byte, _ jsp.ValueType, _ int, _ error) {
		if err := cb(val); err != nil {
			panic(err) // the only way to break out of ArrayEach
		}
	})

	return nil
}

// ObjectEach calls cb for each key/value pair of the src JSON object.
func ObjectEach(src []byte, cb func(key, val []byte) error) error {
	return jsp.ObjectEach(src, func(key, val []byte, _ jsp.ValueType, _ int) error {
		return cb(key, val)
	})
}

// Get looks up a string value by its key path, one key per argument, eg.
// Get(doc, "url") or Get(doc, "tls", "server_name").
func Get(doc []byte, path ...string) (string, error) {
	v, err := jsp.GetString(doc, path...)
	if err != nil {
		return "", err
	}
	return v, nil
}
