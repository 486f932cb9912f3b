package netutil

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantHost string
		wantPort int
		wantNet  Network
		wantErr  bool
	}{
		{"host and port", "127.0.0.1:8080", "127.0.0.1", 8080, NetworkTCP, false},
		{"host only", "alice", "alice", 5000, NetworkTCP, false},
		{"bracketed ipv6 with port", "[::1]:9000", "::1", 9000, NetworkTCP, false},
		{"bracketed ipv6 no port", "[::1]", "::1", 5000, NetworkTCP, false},
		{"empty host becomes wildcard", "", "0.0.0.0", 5000, NetworkTCP, false},
		{"empty host with port", ":9090", "0.0.0.0", 9090, NetworkTCP, false},
		{"unix socket", "unix:/tmp/tproxy.sock", "", 0, NetworkUnix, false},
		{"non-digit port", "host:abc", "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.in, 5000)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.in, err)
			}
			if got.Net != tt.wantNet {
				t.Errorf("Net = %v, want %v", got.Net, tt.wantNet)
			}
			if tt.wantNet == NetworkTCP {
				if got.Host != tt.wantHost {
					t.Errorf("Host = %q, want %q", got.Host, tt.wantHost)
				}
				if got.Port != tt.wantPort {
					t.Errorf("Port = %d, want %d", got.Port, tt.wantPort)
				}
			}
		})
	}
}

func TestParseAddressUnixPath(t *testing.T) {
	addr, err := ParseAddress("unix:/var/run/tproxy.sock", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.Path != "/var/run/tproxy.sock" {
		t.Errorf("Path = %q, want /var/run/tproxy.sock", addr.Path)
	}
	if addr.String() != "unix:/var/run/tproxy.sock" {
		t.Errorf("String() = %q", addr.String())
	}
}

func TestIsIPv6(t *testing.T) {
	a, _ := ParseAddress("[2001:db8::1]:80", 0)
	if !a.IsIPv6() {
		t.Errorf("expected IsIPv6 true for %+v", a)
	}
	b, _ := ParseAddress("127.0.0.1:80", 0)
	if b.IsIPv6() {
		t.Errorf("expected IsIPv6 false for %+v", b)
	}
}
