package main

import (
	"testing"
)

func TestParseToolVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"tmux 3.4", "v3.4", false},
		{"tmux 3.3a", "v3.3", false},
		{"tmux next-3.5", "v3.5", false},
		{"git version 2.43.0", "v2.43.0", false},
		{"git version 2.39.5 (Apple Git-154)", "v2.39.5", false},
		{"tmux 2.6\n", "v2.6", false},
		{"no numbers here", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		result, err := parseToolVersion(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseToolVersion(%q) = %s; want error", tt.input, result)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseToolVersion(%q) returned error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseToolVersion(%q) = %s; want %s", tt.input, result, tt.expected)
		}
	}
}

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		have     string
		want     string
		expected bool
	}{
		{"v3.4", "v2.6", true},
		{"v2.6", "v2.6", true},
		{"v2.5", "v2.6", false},
		{"v2.43.0", "v2.20", true},
		{"v2.19.1", "v2.20", false},
	}

	for _, tt := range tests {
		if got := versionAtLeast(tt.have, tt.want); got != tt.expected {
			t.Errorf("versionAtLeast(%s, %s) = %v; want %v", tt.have, tt.want, got, tt.expected)
		}
	}
}
