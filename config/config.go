// Package config loads the server's TOML configuration file: listening
// addresses, the storage root, and the auth backend selector.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// File is the top-level shape of the TOML configuration file.
type File struct {
	Server ServerConfig `toml:"server"`
	Imapd  ImapdConfig  `toml:"imapd"`
	Smtpd  SmtpdConfig  `toml:"smtpd"`
	Auth   AuthConfig   `toml:"auth"`
}

// ServerConfig holds settings shared by both daemons.
type ServerConfig struct {
	Hostname   string `toml:"hostname"`
	StorageDir string `toml:"storage_dir"`
	TLSCert    string `toml:"tls_cert"`
	TLSKey     string `toml:"tls_key"`
	MetricsTCP string `toml:"metrics_addr"` // empty disables the metrics listener
}

// ImapdConfig configures the IMAP daemon.
type ImapdConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// SmtpdConfig configures the SMTP submission daemon.
type SmtpdConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	MaxSize       int    `toml:"max_size"`
	MaxRecipients int    `toml:"max_recipients"`
}

// AuthConfig selects and configures the authentication backend.
type AuthConfig struct {
	Backend      string `toml:"backend"` // "flatfile" or "ldap"
	FlatFilePath string `toml:"flatfile_path"`
	LDAPAddr     string `toml:"ldap_addr"`
	LDAPBindDN   string `toml:"ldap_bind_dn"`
}

// Default returns the configuration used when no config file is given:
// loopback-only listeners, storage under ./maildepot-data, flat-file
// auth at ./maildepot-data/passwd.
func Default() File {
	return File{
		Server: ServerConfig{
			Hostname:   "localhost",
			StorageDir: "./maildepot-data",
		},
		Imapd: ImapdConfig{ListenAddr: "127.0.0.1:1143"},
		Smtpd: SmtpdConfig{
			ListenAddr:    "127.0.0.1:1587",
			MaxSize:       1 << 26,
			MaxRecipients: 100,
		},
		Auth: AuthConfig{
			Backend:      "flatfile",
			FlatFilePath: "./maildepot-data/passwd",
		},
	}
}

// Load reads and parses a TOML configuration file at path, starting
// from Default() so unset fields keep their defaults.
func Load(path string) (File, error) {
	f := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}
