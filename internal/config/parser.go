package config

import (
	"bufio"
	"bytes"
	"strings"
)

// lineParser implements koanf.Parser for the aggregator's configuration
// grammar: line-oriented `KEY SP VALUE`, `#` comments, blank lines
// ignored, unknown keys ignored by the caller (koanf simply maps every
// key it sees; Config.Unmarshal only picks up the ones with matching
// `koanf` struct tags).
//
// koanf ships parsers for YAML/JSON/TOML/etc. but none for this legacy
// format, so this one is hand-written.
type lineParser struct{}

// newLineParser returns the koanf.Parser for KEY VALUE configuration
// files.
func newLineParser() lineParser { return lineParser{} }

// Unmarshal parses b into a flat map of lowercased keys to string
// values.
func (lineParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			// Malformed lines are silently skipped; the previous or
			// default value stays in effect.
			continue
		}

		out[strings.ToLower(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Marshal renders m back into the KEY VALUE grammar, uppercasing keys
// by convention. Not used by the daemon itself
// but completes the koanf.Parser contract (and is handy for tests that
// want to build a fixture config file programmatically).
func (lineParser) Marshal(m map[string]interface{}) ([]byte, error) {
	var b bytes.Buffer
	for k, v := range m {
		b.WriteString(strings.ToUpper(k))
		b.WriteByte(' ')
		b.WriteString(toString(v))
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

func splitKeyValue(line string) (key, value string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return "", "", false
	}
	key = line[:i]
	value = strings.TrimSpace(line[i+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
