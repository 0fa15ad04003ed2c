package txn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// ID identifies a transaction. The zero value is never issued.
type ID uint64

// NewID draws a non-zero identifier from crypto/rand.
func NewID() (ID, error) {
	return newIDFrom(rand.Reader)
}

func newIDFrom(r io.Reader) (ID, error) {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, fmt.Errorf("txn: generate id: %w", err)
		}
		if id := ID(binary.BigEndian.Uint64(buf[:])); id != 0 {
			return id, nil
		}
	}
}

// String renders the id as 16 lowercase hex digits.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// ParseID parses the hex form produced by String. Zero is rejected.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("txn: parse id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("txn: parse id %q: zero id", s)
	}
	return ID(v), nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
