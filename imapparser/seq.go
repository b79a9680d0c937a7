package imapparser

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SeqRange is one "low:high" (or single "n", or "n:*") member of a
// sequence-set.
type SeqRange struct {
	Low, High uint32 // High == 0 means "*" (the largest value present)
}

// Contains reports whether n falls within the range, resolving "*" to
// max.
func (r SeqRange) Contains(n, max uint32) bool {
	high := r.High
	if high == 0 {
		high = max
	}
	low := r.Low
	if low == 0 {
		low = max
	}
	if low > high {
		low, high = high, low
	}
	return n >= low && n <= high
}

// ParseSequenceSet parses a comma-separated sequence-set such as
// "1:3,5,7:*".
func ParseSequenceSet(s string) ([]SeqRange, error) {
	var ranges []SeqRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("imapparser: empty sequence-set member")
		}
		if i := strings.IndexByte(part, ':'); i >= 0 {
			low, err := parseSeqNum(part[:i])
			if err != nil {
				return nil, err
			}
			high, err := parseSeqNum(part[i+1:])
			if err != nil {
				return nil, err
			}
			if low.High != 0 && high.High == 0 {
				// "N:*"
				ranges = append(ranges, SeqRange{Low: low.Low, High: 0})
				continue
			}
			lo, hi := low.Low, high.Low
			if hi != 0 && lo > hi {
				lo, hi = hi, lo
			}
			ranges = append(ranges, SeqRange{Low: lo, High: hi})
			continue
		}
		n, err := parseSeqNum(part)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, SeqRange{Low: n.Low, High: n.Low})
	}
	return ranges, nil
}

func parseSeqNum(s string) (SeqRange, error) {
	if s == "*" {
		return SeqRange{Low: 0, High: 0}, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return SeqRange{}, fmt.Errorf("imapparser: bad sequence number %q: %w", s, err)
	}
	return SeqRange{Low: uint32(n), High: uint32(n)}, nil
}

// Expand enumerates every sequence/UID number named by ranges that is
// also <= max, in ascending order with duplicates removed. max is the largest sequence number (or UID)
// currently valid; a bare "*" range resolves to it.
func Expand(ranges []SeqRange, max uint32) []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, r := range ranges {
		high := r.High
		if high == 0 {
			high = max
		}
		low := r.Low
		if low == 0 {
			low = max
		}
		if low > high {
			low, high = high, low
		}
		for n := low; n <= high; n++ {
			if n == 0 || n > max || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
