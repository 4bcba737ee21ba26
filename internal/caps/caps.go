// Package caps implements text-form codec-capability serialization: a
// flat, human-readable key=value;key=value encoding, stored verbatim in
// Storage Block headers and Frame Sample contexts. Kept as its own package
// so both internal/mediasource (producer) and internal/motion (consumer)
// can depend on it without depending on each other.
package caps

import "strconv"

// Encode serializes an ordered set of fields into the wire form.
func Encode(fields map[string]string, order []string) []byte {
	var out []byte
	for i, k := range order {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if i > 0 && len(out) > 0 {
			out = append(out, ';')
		}
		out = append(out, k...)
		out = append(out, '=')
		out = append(out, v...)
	}
	return out
}

// Decode parses the wire form back into a key/value map.
func Decode(b []byte) map[string]string {
	fields := make(map[string]string)
	start := 0
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == ';' {
			if i > start {
				pair := b[start:i]
				for j, c := range pair {
					if c == '=' {
						fields[string(pair[:j])] = string(pair[j+1:])
						break
					}
				}
			}
			start = i + 1
		}
	}
	return fields
}

// Int returns fields[key] parsed as an int, or 0 if absent/invalid.
func Int(fields map[string]string, key string) int {
	v, err := strconv.Atoi(fields[key])
	if err != nil {
		return 0
	}
	return v
}
