// Package segment partitions harvest objects into 16 buckets for selective
// reimport.
package segment

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/timmy/harvest/internal/errors"
)

// Of returns the bucket of an object id: the first hex digit of its MD5.
func Of(id string) byte {
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:1])[0]
}

// Mask is a set of buckets. The zero Mask matches everything.
type Mask struct {
	set [16]bool
	any bool
}

// ParseMask parses a string of hex digits such as "15af". An empty string
// returns the zero Mask.
func ParseMask(s string) (Mask, error) {
	var m Mask
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		idx := strings.IndexRune("0123456789abcdef", r)
		if idx < 0 {
			return Mask{}, errors.Wrapf(errors.ErrValidation, "segment %q is not a hex digit", r)
		}
		m.set[idx] = true
		m.any = true
	}
	return m, nil
}

// Contains reports whether id falls into one of the mask's buckets.
func (m Mask) Contains(id string) bool {
	if !m.any {
		return true
	}
	b := Of(id)
	idx := strings.IndexByte("0123456789abcdef", b)
	return m.set[idx]
}

// Empty reports whether the mask matches everything.
func (m Mask) Empty() bool {
	return !m.any
}

// String returns the buckets in order, e.g. "15af".
func (m Mask) String() string {
	var sb strings.Builder
	for i, ok := range m.set {
		if ok {
			sb.WriteByte("0123456789abcdef"[i])
		}
	}
	return sb.String()
}

// Filter keeps the ids inside the mask, preserving order.
func (m Mask) Filter(ids []string) []string {
	if !m.any {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if m.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}
