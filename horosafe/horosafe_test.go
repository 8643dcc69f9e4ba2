package horosafe

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestSafePath(t *testing.T) {
	tests := []struct {
		base, rel string
		want      string
		wantErr   bool
	}{
		{"/data/artifacts", "sessions/s1/units/0001.png", "/data/artifacts/sessions/s1/units/0001.png", false},
		{"/data/artifacts", "/sessions/s1", "/data/artifacts/sessions/s1", false},
		{"/data/artifacts", "../etc/passwd", "", true},
		{"/data/artifacts", "sessions/../../x", "", true},
	}
	for _, tt := range tests {
		got, err := SafePath(tt.base, tt.rel)
		if tt.wantErr {
			if !errors.Is(err, ErrPathTraversal) {
				t.Errorf("SafePath(%q, %q): err = %v, want ErrPathTraversal", tt.base, tt.rel, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SafePath(%q, %q): %v", tt.base, tt.rel, err)
			continue
		}
		if got != tt.want {
			t.Errorf("SafePath(%q, %q) = %q, want %q", tt.base, tt.rel, got, tt.want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	bad := map[string]error{
		"ftp://example.com/x.pdf":      ErrUnsafeScheme,
		"file:///etc/passwd":           ErrUnsafeScheme,
		"http://127.0.0.1/exam.pdf":    ErrSSRF,
		"http://10.1.2.3/exam.pdf":     ErrSSRF,
		"http://192.168.0.10/exam.pdf": ErrSSRF,
		"http://[::1]/exam.pdf":        ErrSSRF,
		"http://169.254.169.254/":      ErrSSRF,
	}
	for u, want := range bad {
		if err := ValidateURL(u); !errors.Is(err, want) {
			t.Errorf("ValidateURL(%q) = %v, want %v", u, err, want)
		}
	}
	if err := ValidateURL("https://93.184.216.34/exam.pdf"); err != nil {
		t.Errorf("public IP rejected: %v", err)
	}
	if err := ValidateURL("https:///nohost"); err == nil {
		t.Error("URL without host accepted")
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"ses_0193", "bat-1.2", "A_b"} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Errorf("ValidateIdentifier(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "..", "a/b", "a b", "ses;drop", strings.Repeat("x", 257)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("ValidateIdentifier(%q): expected error", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("LimitedReadAll at limit: %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: err = %v, want ErrTooLarge", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	for _, s := range []string{"127.0.0.1", "10.0.0.1", "172.16.5.4", "fd00::1", "0.0.0.0"} {
		if !isPrivateIP(net.ParseIP(s)) {
			t.Errorf("%s should be private", s)
		}
	}
	for _, s := range []string{"8.8.8.8", "2001:4860:4860::8888"} {
		if isPrivateIP(net.ParseIP(s)) {
			t.Errorf("%s should be public", s)
		}
	}
}
