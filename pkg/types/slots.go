package types

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// SlotRange is an inclusive range of slots
type SlotRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Len returns the number of slots in the range
func (r SlotRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r SlotRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParseSlotRange parses "N" or "N-M"
func ParseSlotRange(s string) (SlotRange, error) {
	var r SlotRange
	startStr, endStr, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return r, fmt.Errorf("invalid slot %q: %w", s, err)
	}
	end := start
	if isRange {
		end, err = strconv.Atoi(endStr)
		if err != nil {
			return r, fmt.Errorf("invalid slot range %q: %w", s, err)
		}
	}
	if start < 0 || end >= TotalSlots || start > end {
		return r, fmt.Errorf("slot range out of bounds: %s", s)
	}
	return SlotRange{Start: start, End: end}, nil
}

const slotWords = TotalSlots / 64

// SlotSet is a set of slots. It is a value type: copies are independent and
// two sets can be compared with ==.
type SlotSet struct {
	words [slotWords]uint64
}

// NewSlotSet returns a set containing the given slots
func NewSlotSet(slots ...int) SlotSet {
	var s SlotSet
	for _, slot := range slots {
		s.Add(slot)
	}
	return s
}

// SlotSetOf returns a set containing every slot of the given ranges
func SlotSetOf(ranges ...SlotRange) SlotSet {
	var s SlotSet
	for _, r := range ranges {
		s.AddRange(r)
	}
	return s
}

// FullSlotSet returns a set containing every slot
func FullSlotSet() SlotSet {
	return SlotSetOf(SlotRange{Start: 0, End: TotalSlots - 1})
}

func validSlot(slot int) bool {
	return slot >= 0 && slot < TotalSlots
}

// Add inserts a slot; out-of-range slots are ignored
func (s *SlotSet) Add(slot int) {
	if !validSlot(slot) {
		return
	}
	s.words[slot/64] |= 1 << uint(slot%64)
}

// AddRange inserts every slot of r
func (s *SlotSet) AddRange(r SlotRange) {
	for slot := r.Start; slot <= r.End; slot++ {
		s.Add(slot)
	}
}

// Remove deletes a slot
func (s *SlotSet) Remove(slot int) {
	if !validSlot(slot) {
		return
	}
	s.words[slot/64] &^= 1 << uint(slot%64)
}

// Has reports whether slot is in the set
func (s SlotSet) Has(slot int) bool {
	if !validSlot(slot) {
		return false
	}
	return s.words[slot/64]&(1<<uint(slot%64)) != 0
}

// Len returns the number of slots in the set
func (s SlotSet) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Empty reports whether the set has no slots
func (s SlotSet) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Union returns s ∪ o
func (s SlotSet) Union(o SlotSet) SlotSet {
	for i := range s.words {
		s.words[i] |= o.words[i]
	}
	return s
}

// Intersect returns s ∩ o
func (s SlotSet) Intersect(o SlotSet) SlotSet {
	for i := range s.words {
		s.words[i] &= o.words[i]
	}
	return s
}

// Difference returns s \ o
func (s SlotSet) Difference(o SlotSet) SlotSet {
	for i := range s.words {
		s.words[i] &^= o.words[i]
	}
	return s
}

// Slots returns the members in ascending order
func (s SlotSet) Slots() []int {
	out := make([]int, 0, s.Len())
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, i*64+b)
			w &^= 1 << uint(b)
		}
	}
	return out
}

// Ranges returns the members as maximal contiguous ranges in ascending order
func (s SlotSet) Ranges() []SlotRange {
	var ranges []SlotRange
	start := -1
	for slot := 0; slot < TotalSlots; slot++ {
		if s.Has(slot) {
			if start < 0 {
				start = slot
			}
			continue
		}
		if start >= 0 {
			ranges = append(ranges, SlotRange{Start: start, End: slot - 1})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, SlotRange{Start: start, End: TotalSlots - 1})
	}
	return ranges
}

func (s SlotSet) String() string {
	ranges := s.Ranges()
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

func (s SlotSet) rangeStrings() []string {
	ranges := s.Ranges()
	out := make([]string, len(ranges))
	for i, r := range ranges {
		out[i] = r.String()
	}
	return out
}

func slotSetFromStrings(list []string) (SlotSet, error) {
	var s SlotSet
	for _, item := range list {
		r, err := ParseSlotRange(item)
		if err != nil {
			return s, err
		}
		s.AddRange(r)
	}
	return s, nil
}

// MarshalJSON encodes the set as a list of range strings
func (s SlotSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.rangeStrings())
}

// UnmarshalJSON decodes a list of range strings
func (s *SlotSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	parsed, err := slotSetFromStrings(list)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the set as a list of range strings
func (s SlotSet) MarshalYAML() (interface{}, error) {
	return s.rangeStrings(), nil
}
