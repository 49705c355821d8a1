package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const fingerprintMinute = "2006-01-02T15:04"

// Fingerprint returns the dedup identity of an alert: a SHA-256 over the
// canonical JSON of rule id, agent ip, agent name, level and the timestamp
// truncated to the minute (UTC). Source document ids are ignored.
func Fingerprint(a Alert) string {
	return FingerprintFields(FingerprintInput(a))
}

// FingerprintInput returns the field set that Fingerprint hashes.
func FingerprintInput(a Alert) map[string]any {
	ts := ""
	if !a.Timestamp.IsZero() {
		ts = a.Timestamp.UTC().Truncate(time.Minute).Format(fingerprintMinute)
	}
	return map[string]any{
		"rule_id":          a.RuleID,
		"agent_ip":         a.AgentIP,
		"agent_name":       a.AgentName,
		"level":            a.Level,
		"timestamp_minute": ts,
	}
}

// FingerprintFields hashes an arbitrary field map after canonicalizing it.
// encoding/json writes map keys in sorted order, so insertion order never matters.
func FingerprintFields(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		// Unmarshalable values (channels, funcs) never come from sources;
		// hash the error text so the result stays deterministic.
		b = []byte(err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
