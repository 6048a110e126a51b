package types

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

// ULID errors.
var (
	ErrInvalidULIDLength    = errors.New("invalid ULID length")
	ErrInvalidULIDCharacter = errors.New("invalid ULID character")
)

// ULID is a 128-bit lexicographically sortable identifier: a 48-bit
// millisecond timestamp followed by 80 random bits. Follow-up tar
// parts are named part-<ulid>.tar, so a plain listing of a partition
// directory shows the parts in creation order.
type ULID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U to avoid confusion).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ULIDGenerator produces ULIDs that are monotonically increasing even
// within a single millisecond, so two flushes in quick succession
// still yield ordered part names.
type ULIDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewULIDGenerator creates a ULID generator.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// Generate creates a ULID stamped with the current time.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a ULID stamped with the given time. Tests
// use it to pin part names to known instants.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := uint64(t.UnixMilli())

	var u ULID

	// Big-endian 48-bit timestamp keeps byte order and string order
	// aligned.
	u[0] = byte(timestamp >> 40)
	u[1] = byte(timestamp >> 32)
	u[2] = byte(timestamp >> 24)
	u[3] = byte(timestamp >> 16)
	u[4] = byte(timestamp >> 8)
	u[5] = byte(timestamp)

	if timestamp == g.lastTimestamp {
		// Same millisecond: bump the random component instead of
		// rolling new bytes, preserving monotonic order.
		g.incrementRandom()
		copy(u[6:], g.lastRandom[:])
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return ULID{}, err
		}
		copy(u[6:], g.lastRandom[:])
		g.lastTimestamp = timestamp
	}

	return u, nil
}

// incrementRandom adds one to the random component, treated as a
// big-endian 80-bit integer.
func (g *ULIDGenerator) incrementRandom() {
	for i := 9; i >= 0; i-- {
		g.lastRandom[i]++
		if g.lastRandom[i] != 0 {
			break
		}
	}
}

// Timestamp returns the embedded Unix millisecond timestamp.
func (u ULID) Timestamp() uint64 {
	return uint64(u[0])<<40 | uint64(u[1])<<32 | uint64(u[2])<<24 |
		uint64(u[3])<<16 | uint64(u[4])<<8 | uint64(u[5])
}

// Time returns the embedded timestamp as a time.Time.
func (u ULID) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp()))
}

// String renders the ULID as 26 Crockford Base32 characters, 10 for
// the timestamp and 16 for the random component.
func (u ULID) String() string {
	var buf [26]byte

	buf[0] = crockfordBase32[(u[0]&224)>>5]
	buf[1] = crockfordBase32[u[0]&31]
	buf[2] = crockfordBase32[(u[1]&248)>>3]
	buf[3] = crockfordBase32[((u[1]&7)<<2)|((u[2]&192)>>6)]
	buf[4] = crockfordBase32[(u[2]&62)>>1]
	buf[5] = crockfordBase32[((u[2]&1)<<4)|((u[3]&240)>>4)]
	buf[6] = crockfordBase32[((u[3]&15)<<1)|((u[4]&128)>>7)]
	buf[7] = crockfordBase32[(u[4]&124)>>2]
	buf[8] = crockfordBase32[((u[4]&3)<<3)|((u[5]&224)>>5)]
	buf[9] = crockfordBase32[u[5]&31]

	buf[10] = crockfordBase32[(u[6]&248)>>3]
	buf[11] = crockfordBase32[((u[6]&7)<<2)|((u[7]&192)>>6)]
	buf[12] = crockfordBase32[(u[7]&62)>>1]
	buf[13] = crockfordBase32[((u[7]&1)<<4)|((u[8]&240)>>4)]
	buf[14] = crockfordBase32[((u[8]&15)<<1)|((u[9]&128)>>7)]
	buf[15] = crockfordBase32[(u[9]&124)>>2]
	buf[16] = crockfordBase32[((u[9]&3)<<3)|((u[10]&224)>>5)]
	buf[17] = crockfordBase32[u[10]&31]
	buf[18] = crockfordBase32[(u[11]&248)>>3]
	buf[19] = crockfordBase32[((u[11]&7)<<2)|((u[12]&192)>>6)]
	buf[20] = crockfordBase32[(u[12]&62)>>1]
	buf[21] = crockfordBase32[((u[12]&1)<<4)|((u[13]&240)>>4)]
	buf[22] = crockfordBase32[((u[13]&15)<<1)|((u[14]&128)>>7)]
	buf[23] = crockfordBase32[(u[14]&124)>>2]
	buf[24] = crockfordBase32[((u[14]&3)<<3)|((u[15]&224)>>5)]
	buf[25] = crockfordBase32[u[15]&31]

	return string(buf[:])
}

// Compare orders two ULIDs lexicographically: -1, 0 or 1.
func (u ULID) Compare(other ULID) int {
	for i := 0; i < 16; i++ {
		if u[i] < other[i] {
			return -1
		}
		if u[i] > other[i] {
			return 1
		}
	}
	return 0
}

// ParseULID decodes a 26-character Crockford Base32 string.
func ParseULID(s string) (ULID, error) {
	if len(s) != 26 {
		return ULID{}, ErrInvalidULIDLength
	}

	var u ULID
	var dec [26]byte

	for i, c := range s {
		idx := decodeBase32(byte(c))
		if idx == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		dec[i] = idx
	}

	u[0] = (dec[0] << 5) | dec[1]
	u[1] = (dec[2] << 3) | (dec[3] >> 2)
	u[2] = (dec[3] << 6) | (dec[4] << 1) | (dec[5] >> 4)
	u[3] = (dec[5] << 4) | (dec[6] >> 1)
	u[4] = (dec[6] << 7) | (dec[7] << 2) | (dec[8] >> 3)
	u[5] = (dec[8] << 5) | dec[9]

	u[6] = (dec[10] << 3) | (dec[11] >> 2)
	u[7] = (dec[11] << 6) | (dec[12] << 1) | (dec[13] >> 4)
	u[8] = (dec[13] << 4) | (dec[14] >> 1)
	u[9] = (dec[14] << 7) | (dec[15] << 2) | (dec[16] >> 3)
	u[10] = (dec[16] << 5) | dec[17]
	u[11] = (dec[18] << 3) | (dec[19] >> 2)
	u[12] = (dec[19] << 6) | (dec[20] << 1) | (dec[21] >> 4)
	u[13] = (dec[21] << 4) | (dec[22] >> 1)
	u[14] = (dec[22] << 7) | (dec[23] << 2) | (dec[24] >> 3)
	u[15] = (dec[24] << 5) | dec[25]

	return u, nil
}

// decodeBase32 decodes one Crockford Base32 character, 0xFF when the
// character is not in the alphabet.
func decodeBase32(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'H':
		return c - 'A' + 10
	case c >= 'J' && c <= 'K':
		return c - 'J' + 18
	case c >= 'M' && c <= 'N':
		return c - 'M' + 20
	case c >= 'P' && c <= 'T':
		return c - 'P' + 22
	case c >= 'V' && c <= 'Z':
		return c - 'V' + 27
	case c >= 'a' && c <= 'h':
		return c - 'a' + 10
	case c >= 'j' && c <= 'k':
		return c - 'j' + 18
	case c >= 'm' && c <= 'n':
		return c - 'm' + 20
	case c >= 'p' && c <= 't':
		return c - 'p' + 22
	case c >= 'v' && c <= 'z':
		return c - 'v' + 27
	default:
		return 0xFF
	}
}
