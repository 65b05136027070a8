package lineprotocol

import (
	"testing"

	"github.com/multiverse-hardware-labs/daqedge/internal/sample"
)

func TestToLineExact(t *testing.T) {
	got := ToLine(
		"lvdt",
		map[string]string{"canal": "0", "pi": "station-01"},
		map[string]Field{"valor": FloatField(1.234)},
		1000000000,
	)
	want := "lvdt,canal=0,pi=station-01 valor=1.234 1000000000"
	if got != want {
		t.Errorf("ToLine() = %q, want %q", got, want)
	}
}

func TestEscapeKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"a b", `a\ b`},
		{"a,b", `a\,b`},
		{"a=b", `a\=b`},
		{`a\b`, `a\\b`},
	}
	for _, c := range cases {
		if got := escapeKey(c.in); got != c.want {
			t.Errorf("escapeKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatField(t *testing.T) {
	cases := []struct {
		f    Field
		want string
	}{
		{BoolField(true), "true"},
		{BoolField(false), "false"},
		{IntField(42), "42i"},
		{FloatField(1.234), "1.234"},
		{StringField(`has "quote"`), `"has \"quote\""`},
	}
	for _, c := range cases {
		if got := formatField(c.f); got != c.want {
			t.Errorf("formatField(%v) = %q, want %q", c.f, got, c.want)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	s := sample.Sample{
		Channel:     2,
		TimestampNs: 1234567890123,
		CalibratedValues: map[string]float64{
			"valor": 3.14159,
		},
		Metadata: sample.Metadata{
			Measurement: "lvdt",
			Tags: map[string]string{
				"pi":     "station-01",
				"sensor": "lvdt-a",
				"unidad": "mm",
			},
		},
	}

	line := Encode(s)
	decoded, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode(%q) returned error: %v", line, err)
	}

	if decoded.Measurement != s.Metadata.Measurement {
		t.Errorf("decoded measurement = %q, want %q", decoded.Measurement, s.Metadata.Measurement)
	}
	if decoded.TimestampNs != s.TimestampNs {
		t.Errorf("decoded timestamp = %d, want %d", decoded.TimestampNs, s.TimestampNs)
	}
	wantChannel := "2"
	if decoded.Tags["channel"] != wantChannel {
		t.Errorf("decoded channel tag = %q, want %q", decoded.Tags["channel"], wantChannel)
	}
	for k, v := range s.Metadata.Tags {
		if decoded.Tags[k] != v {
			t.Errorf("decoded tag %q = %q, want %q", k, decoded.Tags[k], v)
		}
	}
	field, ok := decoded.Fields["valor"]
	if !ok {
		t.Fatalf("decoded fields missing %q: %v", "valor", decoded.Fields)
	}
	if field.f != s.CalibratedValues["valor"] {
		t.Errorf("decoded field valor = %v, want %v", field.f, s.CalibratedValues["valor"])
	}
}

func TestDecodeEscapedTagValue(t *testing.T) {
	line := ToLine(
		"meas",
		map[string]string{"tag": "a b,c=d"},
		map[string]Field{"f": IntField(7)},
		42,
	)
	decoded, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode(%q) returned error: %v", line, err)
	}
	if decoded.Tags["tag"] != "a b,c=d" {
		t.Errorf("decoded tag = %q, want %q", decoded.Tags["tag"], "a b,c=d")
	}
	if decoded.Fields["f"].i != 7 {
		t.Errorf("decoded field f = %v, want 7", decoded.Fields["f"])
	}
}
