package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive attribute values before a log line reaches
// any sink.
const RedactedValue = "[REDACTED]"

// Structural fields that may be emitted unmasked. Operation signatures,
// sponsor payloads, settlement contexts, and filesystem paths are never on
// this list.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"mode":      {},
	"outcome":   {},
	"account":   {},
	"sponsor":   {},
}

// IsAllowlisted reports whether a log key may carry its raw value.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the sorted set of keys exempt from masking, for
// sanitization tests and operator documentation.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue masks a non-empty value. Empty values pass through so absent
// fields stay recognisable in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr whose value is masked unless the key is
// allowlisted. The key keeps its original casing.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskBytes builds a slog.Attr for a binary payload such as an operation
// signature or a sponsor settlement context. The payload bytes never reach
// the log regardless of the key.
func MaskBytes(key string, payload []byte) slog.Attr {
	if len(payload) == 0 {
		return slog.String(key, "")
	}
	return slog.String(key, RedactedValue)
}
