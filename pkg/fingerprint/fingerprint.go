package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Of creates a deterministic fingerprint over the given fields of data.
// Values are normalised through JSON first, so 120, int64(120) and 120.0 hash alike, and a field
// that is absent hashes the same as one that is nil.
func Of(data map[string]any, fields []string) (string, error) {
	projected := make(map[string]any, len(fields))
	for _, f := range fields {
		projected[f] = data[f]
	}

	normalized, err := normalize(projected)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	canonicalize(&sb, normalized)

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:]), nil
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}

func normalize(data map[string]any) (any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalize writes a deterministic representation of a decoded JSON value,
// sorting object keys at every level.
func canonicalize(sb *strings.Builder, data any) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			canonicalize(sb, v[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			canonicalize(sb, item)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(v)
		sb.Write(b)
	}
}
