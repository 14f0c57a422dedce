package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		want         bool
	}{
		{name: "unset returns default", value: "", defaultValue: true, want: true},
		{name: "true", value: "true", defaultValue: false, want: true},
		{name: "numeric true", value: "1", defaultValue: false, want: true},
		{name: "yes with case", value: "YES", defaultValue: false, want: true},
		{name: "on with spaces", value: " on ", defaultValue: false, want: true},
		{name: "false", value: "false", defaultValue: true, want: false},
		{name: "off", value: "off", defaultValue: true, want: false},
		{name: "garbage returns default", value: "maybe", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "BOTFORGE_TEST_BOOL"
			t.Setenv(key, tt.value)
			if got := ParseBoolEnv(key, tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue time.Duration
		want         time.Duration
	}{
		{name: "unset returns default", value: "", defaultValue: time.Minute, want: time.Minute},
		{name: "minutes", value: "15m", defaultValue: time.Minute, want: 15 * time.Minute},
		{name: "mixed units", value: "1h30m", defaultValue: time.Minute, want: 90 * time.Minute},
		{name: "garbage returns default", value: "soon", defaultValue: 10 * time.Second, want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "BOTFORGE_TEST_DURATION"
			t.Setenv(key, tt.value)
			if got := ParseDurationEnv(key, tt.defaultValue); got != tt.want {
				t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
