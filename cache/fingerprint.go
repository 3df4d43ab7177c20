package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Fingerprint derives a stable cache key from a target configuration, the
// requested probe names and the time bucket containing now. Probe order does
// not matter. A bucket <= 0 disables bucketing.
func Fingerprint(targetConfig map[string]any, probes []string, bucket time.Duration, now time.Time) string {
	h := sha256.New()

	// encoding/json sorts map keys, which keeps the config canonical.
	cfg, err := json.Marshal(targetConfig)
	if err != nil {
		cfg = []byte("{}")
	}
	h.Write(cfg)
	h.Write([]byte{0})

	sorted := append([]string(nil), probes...)
	sort.Strings(sorted)
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}

	var b int64
	if bucket > 0 {
		b = now.Truncate(bucket).Unix()
	}
	h.Write([]byte(strconv.FormatInt(b, 10)))

	return hex.EncodeToString(h.Sum(nil))
}
