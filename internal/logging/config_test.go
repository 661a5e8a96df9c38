package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" INFO ", zerolog.InfoLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"diagnostics", zerolog.TraceLevel, true},
		{"", zerolog.InfoLevel, false},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tc := range cases {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLevel(%q) = %v, %v; want %v, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseBool(t *testing.T) {
	if v, ok := parseBool("true"); !ok || !v {
		t.Fatalf("parseBool(true) = %v, %v", v, ok)
	}
	if v, ok := parseBool("0"); !ok || v {
		t.Fatalf("parseBool(0) = %v, %v", v, ok)
	}
	if _, ok := parseBool(""); ok {
		t.Fatalf("parseBool empty reported defined")
	}
	if _, ok := parseBool("maybe"); ok {
		t.Fatalf("parseBool(maybe) reported defined")
	}
}

func TestDefaultConfigProfiles(t *testing.T) {
	test := defaultConfig(ProfileTest)
	if test.Level != zerolog.DebugLevel || test.Timestamp || !test.NoColor {
		t.Fatalf("test profile = %+v", test)
	}
	runtime := defaultConfig(ProfileRuntime)
	if runtime.Level != zerolog.InfoLevel || !runtime.Timestamp {
		t.Fatalf("runtime profile = %+v", runtime)
	}
}
