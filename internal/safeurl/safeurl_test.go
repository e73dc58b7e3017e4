package safeurl

import (
	"context"
	"errors"
	"net"
	"testing"
)

func stubLookup(t *testing.T, ips map[string][]net.IP) {
	t.Helper()
	orig := lookupIP
	lookupIP = func(_ context.Context, host string) ([]net.IP, error) {
		if addrs, ok := ips[host]; ok {
			return addrs, nil
		}
		return nil, errors.New("no such host")
	}
	t.Cleanup(func() { lookupIP = orig })
}

func TestValidate_Literals(t *testing.T) {
	tests := []struct {
		url    string
		wantOK bool
	}{
		{"https://127.0.0.1/x", false},
		{"https://169.254.169.254/", false},
		{"https://10.1.2.3/audio.mp3", false},
		{"https://192.168.1.10/a", false},
		{"https://172.16.0.1/a", false},
		{"https://[::1]/a", false},
		{"https://[fe80::1]/a", false},
		{"https://[fd00::1]/a", false},
		{"https://[::ffff:10.0.0.1]/a", false},
		{"https://0.0.0.0/a", false},
		{"http://example.com/", false},
		{"ftp://example.com/", false},
		{"https://localhost/a", false},
		{"https://metadata.google.internal/computeMetadata", false},
		{"https://8.8.8.8/file.mp3", true},
		{"https://[2001:4860:4860::8888]/f", true},
	}
	for _, tt := range tests {
		err := Validate(context.Background(), tt.url)
		if tt.wantOK && err != nil {
			t.Errorf("Validate(%q) = %v, want ok", tt.url, err)
		}
		if !tt.wantOK && err == nil {
			t.Errorf("Validate(%q) = nil, want rejection", tt.url)
		}
	}
}

func TestValidate_ResolvedHosts(t *testing.T) {
	stubLookup(t, map[string][]net.IP{
		"public.example.com": {net.ParseIP("93.184.216.34")},
		"sneaky.example.com": {net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5")},
		"v6.example.com":     {net.ParseIP("2606:2800:220:1::1")},
	})

	if err := Validate(context.Background(), "https://public.example.com/audio.mp3"); err != nil {
		t.Errorf("public host rejected: %v", err)
	}
	if err := Validate(context.Background(), "https://v6.example.com/audio.mp3"); err != nil {
		t.Errorf("public v6 host rejected: %v", err)
	}
	// One private record among public ones poisons the whole host.
	if err := Validate(context.Background(), "https://sneaky.example.com/a"); err == nil {
		t.Error("host with a private A record was accepted")
	}
	// Unresolvable means rejected, not assumed safe.
	if err := Validate(context.Background(), "https://nxdomain.example.com/a"); err == nil {
		t.Error("unresolvable host was accepted")
	}
}
