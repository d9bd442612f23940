package smtptest

import (
	"encoding/base64"
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := newAuthenticator(tt.username, tt.password)
			if got := auth.enabled(); got != tt.want {
				t.Errorf("enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	auth := newAuthenticator("testuser", "testpass")
	encode := func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{name: "valid", encoded: encode("\x00testuser\x00testpass")},
		{name: "with authzid", encoded: encode("admin\x00testuser\x00testpass")},
		{name: "wrong password", encoded: encode("\x00testuser\x00wrong"), wantErr: true},
		{name: "wrong user", encoded: encode("\x00other\x00testpass"), wantErr: true},
		{name: "missing separator", encoded: encode("testuser testpass"), wantErr: true},
		{name: "not base64", encoded: "!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			user, err := auth.verifyPlain(tt.encoded)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user != "testuser" {
				t.Errorf("user: got %q, want %q", user, "testuser")
			}
		})
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	auth := newAuthenticator("testuser", "testpass")
	user := base64.StdEncoding.EncodeToString([]byte("testuser"))
	pass := base64.StdEncoding.EncodeToString([]byte("testpass"))
	wrong := base64.StdEncoding.EncodeToString([]byte("wrong"))

	if got, err := auth.verifyLogin(user, pass); err != nil || got != "testuser" {
		t.Errorf("verifyLogin: got (%q, %v), want (%q, nil)", got, err, "testuser")
	}
	if _, err := auth.verifyLogin(user, wrong); err == nil {
		t.Error("expected error for wrong password")
	}
	if _, err := auth.verifyLogin("!!!", pass); err == nil {
		t.Error("expected error for invalid base64 username")
	}
	if _, err := auth.verifyLogin(user, "!!!"); err == nil {
		t.Error("expected error for invalid base64 password")
	}
}
