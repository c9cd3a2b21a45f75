package imapserver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// seqRange is an inclusive range; Max == 0 means "*", i.e. open-ended
// (resolved against the caller's current highest value).
type seqRange struct {
	Min, Max int64
}

// parseSeqSet parses an IMAP sequence set: "n", "n:m", "n:*", "*", and
// comma-separated combinations of these (RFC 3501 §9 "sequence-set").
func parseSeqSet(s string) ([]seqRange, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 {
		return nil, fmt.Errorf("imapserver: empty sequence set")
	}
	ranges := make([]seqRange, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("imapserver: empty sequence set element")
		}
		if idx := strings.IndexByte(p, ':'); idx >= 0 {
			loStr, hiStr := p[:idx], p[idx+1:]
			lo, err := parseSeqNum(loStr)
			if err != nil {
				return nil, err
			}
			hi, err := parseSeqNum(hiStr)
			if err != nil {
				return nil, err
			}
			if hi != 0 && lo > hi {
				lo, hi = hi, lo
			}
			ranges = append(ranges, seqRange{Min: lo, Max: hi})
		} else {
			n, err := parseSeqNum(p)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, seqRange{Min: n, Max: n})
		}
	}
	return ranges, nil
}

func parseSeqNum(s string) (int64, error) {
	if s == "*" {
		return 0, nil // caller resolves 0 to "current highest"
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("imapserver: invalid sequence number %q", s)
	}
	return n, nil
}

// resolveAgainstMax replaces any Max==0 ("*") with max, and any Min==0 with
// max as well (a bare "*" range has Min==Max==0).
func resolveAgainstMax(ranges []seqRange, max int64) []seqRange {
	out := make([]seqRange, len(ranges))
	for i, r := range ranges {
		if r.Min == 0 {
			r.Min = max
		}
		if r.Max == 0 {
			r.Max = max
		}
		out[i] = r
	}
	return out
}

func containsSeq(ranges []seqRange, n int64) bool {
	for _, r := range ranges {
		if n >= r.Min && n <= r.Max {
			return true
		}
	}
	return false
}

// expandUIDRanges flattens resolved ranges into an explicit ascending UID
// list, used when the Storage Gateway's MessageQuery needs exact UIDs
// rather than a single inclusive range (non-contiguous sequence sets).
func expandUIDRanges(ranges []seqRange) []int64 {
	var out []int64
	seen := map[int64]bool{}
	for _, r := range ranges {
		for n := r.Min; n <= r.Max; n++ {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
