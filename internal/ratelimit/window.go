package ratelimit

import (
	"crypto/md5"
	"encoding/hex"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
)

// stripes maps keys onto a fixed set of mutexes.
type stripes [64]sync.Mutex

func (s *stripes) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s[h.Sum32()%uint32(len(s))]
}

// Key returns the stable storage key for a client identity.
func Key(identity string) string {
	sum := md5.Sum([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// encodeStamps renders timestamps as a comma-separated list.
func encodeStamps(stamps []int64) string {
	parts := make([]string, len(stamps))
	for i, ts := range stamps {
		parts[i] = strconv.FormatInt(ts, 10)
	}
	return strings.Join(parts, ",")
}

// decodeStamps parses a comma-separated list. Entries that are not integers
// are dropped.
func decodeStamps(s string) []int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	stamps := make([]int64, 0, len(parts))
	for _, p := range parts {
		ts, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		stamps = append(stamps, ts)
	}
	return stamps
}
