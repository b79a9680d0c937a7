package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maildepot.toml")
	content := `
[server]
hostname = "mail.example.com"
storage_dir = "/var/lib/maildepot"

[imapd]
listen_addr = "0.0.0.0:143"

[auth]
backend = "ldap"
ldap_addr = "ldaps://ldap.example.com:636"
ldap_bind_dn = "uid=%s,dc=example,dc=com"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.Server.Hostname != "mail.example.com" {
		t.Fatalf("hostname: got %q", f.Server.Hostname)
	}
	if f.Imapd.ListenAddr != "0.0.0.0:143" {
		t.Fatalf("imapd listen addr: got %q", f.Imapd.ListenAddr)
	}
	if f.Auth.Backend != "ldap" {
		t.Fatalf("auth backend: got %q", f.Auth.Backend)
	}
	// Smtpd section was absent from the file; defaults should survive.
	if f.Smtpd.MaxSize != 1<<26 {
		t.Fatalf("smtpd max size default lost: got %d", f.Smtpd.MaxSize)
	}
}
