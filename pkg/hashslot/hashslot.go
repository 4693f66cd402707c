// Package hashslot maps keys to the store's hash slots (CRC16/XMODEM of the
// key or of its {hash tag}, modulo the slot count).
package hashslot

import "github.com/cuemby/shardctl/pkg/types"

var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes CRC16/XMODEM (poly 0x1021, init 0)
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// HashTag returns the part of key that is hashed: the content of the first
// non-empty {...} section, or the whole key.
func HashTag(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] != '{' {
			continue
		}
		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return key
				}
				return key[i+1 : j]
			}
		}
		return key
	}
	return key
}

// KeySlot returns the slot that owns key
func KeySlot(key string) int {
	return int(CRC16([]byte(HashTag(key))) % types.TotalSlots)
}

// KeysForSlots returns, for every slot in slots, one generated key of the form
// prefix + "{tag}" that hashes to it. Keys are found by probing a counter, so
// the result is deterministic for a given prefix.
func KeysForSlots(prefix string, slots []int) map[int]string {
	want := make(map[int]bool, len(slots))
	for _, s := range slots {
		want[s] = true
	}
	out := make(map[int]string, len(slots))
	for n := 0; len(out) < len(want); n++ {
		tag := itoa(n)
		s := KeySlot(tag)
		if want[s] {
			if _, ok := out[s]; !ok {
				out[s] = prefix + "{" + tag + "}"
			}
		}
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
