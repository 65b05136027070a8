// Package lineprotocol encodes Samples into the InfluxDB line-protocol wire
// format used by the database sink, and decodes lines back for round-trip
// testing.
//
// Wire shape: measurement[,tag=val,...] field=val[,field=val,...] ts_ns
package lineprotocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

// RetriableStatus is the set of 4xx HTTP codes the database sink retries
// instead of treating as fatal for a batch.
var RetriableStatus = map[int]bool{408: true, 409: true, 425: true, 429: true}

// Field is one line-protocol field value: a bool, int64, float64, or
// string, built with BoolField, IntField, FloatField or StringField.
// Exactly one of the value fields is meaningful, selected by kind.
type Field struct {
	kind byte // 'b', 'i', 'f', 's'
	b    bool
	i    int64
	f    float64
	s    string
}

func BoolField(v bool) Field    { return Field{kind: 'b', b: v} }
func IntField(v int64) Field    { return Field{kind: 'i', i: v} }
func FloatField(v float64) Field { return Field{kind: 'f', f: v} }
func StringField(v string) Field { return Field{kind: 's', s: v} }

// Encode renders one Sample as a line-protocol line.
func Encode(s sample.Sample) string {
	measurement := s.Metadata.Measurement
	if measurement == "" {
		measurement = "sample"
	}

	tags := make(map[string]string, len(s.Metadata.Tags)+1)
	tags["channel"] = strconv.Itoa(s.Channel)
	for k, v := range s.Metadata.Tags {
		tags[k] = v
	}

	fields := make(map[string]Field, len(s.CalibratedValues)+len(s.Metadata.Fields))
	for name, v := range s.CalibratedValues {
		fields[name] = FloatField(v)
	}
	for name, v := range s.Metadata.Fields {
		fields[name] = FloatField(v)
	}

	return ToLine(measurement, tags, fields, s.TimestampNs)
}

// ToLine assembles measurement, sorted tags, and fields (in map iteration
// order, same as the original sender) into one line-protocol line.
func ToLine(measurement string, tags map[string]string, fields map[string]Field, tsNs int64) string {
	var b strings.Builder
	b.WriteString(escapeKey(measurement))

	if len(tags) > 0 {
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(',')
			b.WriteString(escapeKey(k))
			b.WriteByte('=')
			b.WriteString(escapeKey(tags[k]))
		}
	}

	b.WriteByte(' ')
	first := true
	for name, f := range fields {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(escapeKey(name))
		b.WriteByte('=')
		b.WriteString(formatField(f))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(tsNs, 10))
	return b.String()
}

// escapeKey escapes a measurement, tag, or field key (or a tag value,
// which uses the same rules): backslash, comma, space, and equals are
// each doubled-backslash-prefixed.
func escapeKey(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '\\', ',', ' ', '=':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// formatField formats one field value per the line-protocol field-value
// rules: true/false for bool, "{int}i" for integers, "%.15g" for floats,
// otherwise a double-quoted, escaped string.
func formatField(f Field) string {
	switch f.kind {
	case 'b':
		if f.b {
			return "true"
		}
		return "false"
	case 'i':
		return strconv.FormatInt(f.i, 10) + "i"
	case 'f':
		return strconv.FormatFloat(f.f, 'g', 15, 64)
	default:
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(f.s)
		return `"` + escaped + `"`
	}
}

// Decoded is one decoded line-protocol line.
type Decoded struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]Field
	TimestampNs int64
}

// Decode parses one line-protocol line produced by Encode/ToLine. It is
// the inverse of ToLine for the subset of inputs ToLine can produce
// (finite floats, printable-ASCII tag values), used by round-trip tests.
func Decode(line string) (Decoded, error) {
	sections := splitUnescaped(line, ' ')
	if len(sections) != 3 {
		return Decoded{}, fmt.Errorf("lineprotocol: malformed line %q", line)
	}
	identSection, fieldsRaw, tsRaw := sections[0], sections[1], sections[2]

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Decoded{}, fmt.Errorf("lineprotocol: bad timestamp %q: %w", tsRaw, err)
	}

	identParts := splitUnescaped(identSection, ',')
	measurement := unescapeKey(identParts[0])
	tags := make(map[string]string, len(identParts)-1)
	for _, kv := range identParts[1:] {
		k, v, ok := splitKV(kv)
		if !ok {
			return Decoded{}, fmt.Errorf("lineprotocol: bad tag %q", kv)
		}
		tags[unescapeKey(k)] = unescapeKey(v)
	}

	fields := make(map[string]Field)
	for _, kv := range splitUnescaped(fieldsRaw, ',') {
		k, v, ok := splitKV(kv)
		if !ok {
			return Decoded{}, fmt.Errorf("lineprotocol: bad field %q", kv)
		}
		field, err := parseFieldValue(v)
		if err != nil {
			return Decoded{}, err
		}
		fields[unescapeKey(k)] = field
	}

	return Decoded{Measurement: measurement, Tags: tags, Fields: fields, TimestampNs: ts}, nil
}

// splitUnescaped splits s on sep, ignoring occurrences of sep preceded by
// an odd number of backslashes (i.e. escaped separators).
func splitUnescaped(s string, sep byte) []string {
	var out []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			cur.WriteByte(c)
			escaped = true
			continue
		}
		if c == sep {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	out = append(out, cur.String())
	return out
}

func splitKV(s string) (key, value string, ok bool) {
	parts := splitUnescaped(s, '=')
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func unescapeKey(v string) string {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func parseFieldValue(v string) (Field, error) {
	switch v {
	case "true":
		return BoolField(true), nil
	case "false":
		return BoolField(false), nil
	}
	if strings.HasSuffix(v, "i") {
		n, err := strconv.ParseInt(strings.TrimSuffix(v, "i"), 10, 64)
		if err == nil {
			return IntField(n), nil
		}
	}
	if strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) && len(v) >= 2 {
		inner := v[1 : len(v)-1]
		unescaped := strings.NewReplacer(`\"`, `"`, `\n`, "\n", `\\`, `\`).Replace(inner)
		return StringField(unescaped), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return Field{}, fmt.Errorf("lineprotocol: bad field value %q: %w", v, err)
	}
	return FloatField(f), nil
}
