package nexthop

import (
	"testing"

	"github.com/crispmx/crispmx/framework/config"
)

func TestRelayAccessors(t *testing.T) {
	route := config.Route{
		Domain:            "example.org",
		Host:              "relay.example.com",
		Port:              "2525",
		ImplicitTLS:       true,
		Username:          "user@example.com",
		Password:          "hunter2",
		AllowInvalidCerts: true,
	}
	relay, err := NewRelay(route)
	if err != nil {
		t.Fatal(err)
	}

	if relay.Hostname() != "relay.example.com" {
		t.Errorf("Hostname: %q", relay.Hostname())
	}
	if relay.Port() != 2525 {
		t.Errorf("Port: %d", relay.Port())
	}
	user, pass, ok := relay.Credentials()
	if !ok || user != "user@example.com" || pass != "hunter2" {
		t.Errorf("Credentials: %q %q %v", user, pass, ok)
	}
	if !relay.ImplicitTLS() {
		t.Error("ImplicitTLS: false")
	}
	if !relay.AllowInvalidCerts() {
		t.Error("AllowInvalidCerts: false")
	}
	if !relay.IsSMTP() {
		t.Error("IsSMTP: false")
	}
}

func TestRelayDefaults(t *testing.T) {
	relay, err := NewRelay(config.Route{
		Domain: "example.org",
		Host:   "lmtp.internal",
		LMTP:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if relay.Port() != 25 {
		t.Errorf("Port: %d", relay.Port())
	}
	if _, _, ok := relay.Credentials(); ok {
		t.Error("Credentials: ok for empty username")
	}
	if relay.ImplicitTLS() || relay.AllowInvalidCerts() {
		t.Error("TLS flags set without config")
	}
	if relay.IsSMTP() {
		t.Error("IsSMTP: true for LMTP route")
	}
	if relay.MaxMultiHomed() != 10 {
		t.Errorf("MaxMultiHomed: %d", relay.MaxMultiHomed())
	}
	if relay.IPStrategy() != IPv4ThenIPv6 {
		t.Errorf("IPStrategy: %v", relay.IPStrategy())
	}
}

func TestNewRelayBadPort(t *testing.T) {
	if _, err := NewRelay(config.Route{Host: "relay.example.com", Port: "banana"}); err == nil {
		t.Error("expected error for non-numeric port")
	}
	if _, err := NewRelay(config.Route{Host: "relay.example.com", Port: "75535"}); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestMXHostnames(t *testing.T) {
	mx := MX{Host: "mx1.example.org."}
	if mx.Hostname() != "mx1.example.org" {
		t.Errorf("Hostname: %q", mx.Hostname())
	}
	if mx.FQDNHostname() != "mx1.example.org." {
		t.Errorf("FQDNHostname: %q", mx.FQDNHostname())
	}

	mx = MX{Host: "mx2.example.org"}
	if mx.Hostname() != "mx2.example.org" {
		t.Errorf("Hostname: %q", mx.Hostname())
	}
	if mx.FQDNHostname() != "mx2.example.org." {
		t.Errorf("FQDNHostname: %q", mx.FQDNHostname())
	}

	if _, _, ok := mx.Credentials(); ok {
		t.Error("Credentials: ok for MX hop")
	}
	if mx.ImplicitTLS() {
		t.Error("ImplicitTLS: true for MX hop")
	}
	if !mx.IsSMTP() {
		t.Error("IsSMTP: false for MX hop")
	}
}

func TestParseIPStrategy(t *testing.T) {
	for _, s := range []string{"", "ipv4_then_ipv6", "ipv6_then_ipv4", "ipv4_only", "ipv6_only"} {
		if _, err := ParseIPStrategy(s); err != nil {
			t.Errorf("ParseIPStrategy(%q): %v", s, err)
		}
	}
	if _, err := ParseIPStrategy("both"); err == nil {
		t.Error("ParseIPStrategy(both): expected error")
	}
}
