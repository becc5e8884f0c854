package media

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewIssuer_RequiresConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"no secret", Config{AppID: 1}},
		{"no app id", Config{ServerSecret: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIssuer(tt.cfg); !errors.Is(err, ErrNotConfigured) {
				t.Fatalf("expected ErrNotConfigured, got %v", err)
			}
		})
	}
}

func TestIssueToken_Format(t *testing.T) {
	iss, err := NewIssuer(Config{AppID: 123456, ServerSecret: "0123456789abcdef0123456789abcdef", TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, exp, err := iss.IssueToken("doctor-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(token, "04") {
		t.Fatalf("expected 04 prefix, got %q", token)
	}
	body := token[2:]
	if strings.ContainsAny(body, "+/=") {
		t.Errorf("token body must not contain '+', '/' or '=': %q", body)
	}
	if d := time.Until(exp); d < 59*time.Minute || d > time.Hour {
		t.Errorf("expected expiry about an hour out, got %v", d)
	}
	if iss.AppID() != 123456 {
		t.Errorf("expected app id 123456, got %d", iss.AppID())
	}
}

func TestIssueToken_RoundTrip(t *testing.T) {
	iss, err := NewIssuer(Config{AppID: 42, ServerSecret: "server-secret", TTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fixed := time.Unix(1_700_000_000, 0)
	iss.now = func() time.Time { return fixed }

	token, _, err := iss.IssueToken("patient-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := iss.decode(token)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.AppID != 42 || p.UserID != "patient-9" {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.CTime != fixed.Unix() || p.Expire != fixed.Unix()+600 {
		t.Errorf("unexpected times ctime=%d expire=%d", p.CTime, p.Expire)
	}
	if p.Nonce < 0 {
		t.Errorf("expected non-negative nonce, got %d", p.Nonce)
	}
}

func TestIssueToken_RandomIV(t *testing.T) {
	iss, _ := NewIssuer(Config{AppID: 1, ServerSecret: "s"})
	a, _, _ := iss.IssueToken("u")
	b, _, _ := iss.IssueToken("u")
	if a == b {
		t.Fatal("expected distinct tokens for repeated issuance")
	}
}

func TestIssueToken_EmptyUser(t *testing.T) {
	iss, _ := NewIssuer(Config{AppID: 1, ServerSecret: "s"})
	if _, _, err := iss.IssueToken(""); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestDecode_WrongSecret(t *testing.T) {
	a, _ := NewIssuer(Config{AppID: 1, ServerSecret: "alpha"})
	b, _ := NewIssuer(Config{AppID: 1, ServerSecret: "bravo"})
	token, _, _ := a.IssueToken("u")

	if p, err := b.decode(token); err == nil && p.UserID == "u" {
		t.Fatal("token must not decode under a different secret")
	}
}

func TestPKCS7(t *testing.T) {
	for n := 0; n < 40; n++ {
		in := []byte(strings.Repeat("a", n))
		padded := pkcs7Pad(append([]byte(nil), in...), 16)
		if len(padded)%16 != 0 || len(padded) <= n {
			t.Fatalf("len %d: bad padded length %d", n, len(padded))
		}
		out, err := pkcs7Unpad(padded, 16)
		if err != nil || string(out) != string(in) {
			t.Fatalf("len %d: unpad mismatch (%v)", n, err)
		}
	}
	if _, err := pkcs7Unpad([]byte("0123456789abcdef"), 16); err == nil {
		t.Error("expected error for invalid padding byte")
	}
}
