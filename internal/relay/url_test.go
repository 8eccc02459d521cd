package relay

import (
	"net"
	"testing"
)

func TestIsURLSafeSchemes(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"wss://relay.damus.io", true},
		{"ws://localhost:7777", true},
		{"ws://127.0.0.1:8080", true},
		{"http://relay.damus.io", false},
		{"https://relay.damus.io", false},
		{"wss://", false},
		{"not a url at all://", false},
		{"wss://foo.internal", false},
		{"wss://printer.local", false},
	}
	for _, tc := range cases {
		if got := IsURLSafe(tc.url); got != tc.want {
			t.Errorf("IsURLSafe(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestIsIPSafe(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"8.8.8.8", true},
		{"10.0.0.5", false},
		{"172.16.1.1", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"169.254.1.1", false},
		{"0.0.0.0", false},
		{"224.0.0.1", false},
	}
	for _, tc := range cases {
		if got := isIPSafe(net.ParseIP(tc.ip)); got != tc.want {
			t.Errorf("isIPSafe(%s) = %v, want %v", tc.ip, got, tc.want)
		}
	}
	if isIPSafe(nil) {
		t.Error("nil IP reported safe")
	}
}

func TestSanitizeRelayURLs(t *testing.T) {
	out := SanitizeRelayURLs([]string{
		"wss://relay.damus.io",
		"  wss://relay.damus.io  ", // dup after trim
		"",
		"http://not-a-relay.example",
		"ws://localhost:7777",
	})

	if len(out) != 2 {
		t.Fatalf("got %d urls, want 2: %v", len(out), out)
	}
	if out[0] != "wss://relay.damus.io" || out[1] != "ws://localhost:7777" {
		t.Errorf("sanitized = %v", out)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusDegraded:     "degraded",
	}
	for status, want := range cases {
		if status.String() != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, status.String(), want)
		}
	}
}
