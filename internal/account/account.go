// Package account holds the mail account registry backed by a YAML config
// file. The backup engine receives immutable Account snapshots per run and
// never writes them; counters are persisted back here by the CLI after a
// run finishes.
package account

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Account identifies one mailbox to back up.
type Account struct {
	ID            string    `mapstructure:"id" yaml:"id"`
	Name          string    `mapstructure:"name" yaml:"name"`
	Server        string    `mapstructure:"server" yaml:"server"`
	Port          int       `mapstructure:"port" yaml:"port"`
	Username      string    `mapstructure:"username" yaml:"username"`
	UseTLS        bool      `mapstructure:"use_tls" yaml:"use_tls"`
	AuthMode      string    `mapstructure:"auth_mode" yaml:"auth_mode"`
	Enabled       bool      `mapstructure:"enabled" yaml:"enabled"`
	LastBackup    time.Time `mapstructure:"last_backup" yaml:"last_backup"`
	EmailCount    int       `mapstructure:"email_count" yaml:"email_count"`
	LastNewEmails int       `mapstructure:"last_new_emails" yaml:"last_new_emails"`
	Folders       []string  `mapstructure:"folders" yaml:"folders,omitempty"`
}

// Registry is the persisted account list plus global settings.
type Registry struct {
	path string

	BackupRoot string    `mapstructure:"backup_root" yaml:"backup_root"`
	Accounts   []Account `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mailkeep", "mailkeep.yaml"), nil
}

// Load reads the registry from path. A missing file yields an empty
// registry so first runs work without setup.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(r); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return r, nil
}

// Save writes the registry back to its config file.
func (r *Registry) Save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	v.SetConfigType("yaml")
	v.Set("backup_root", r.BackupRoot)
	accounts := make([]map[string]interface{}, 0, len(r.Accounts))
	for _, a := range r.Accounts {
		accounts = append(accounts, map[string]interface{}{
			"id":              a.ID,
			"name":            a.Name,
			"server":          a.Server,
			"port":            a.Port,
			"username":        a.Username,
			"use_tls":         a.UseTLS,
			"auth_mode":       a.AuthMode,
			"enabled":         a.Enabled,
			"last_backup":     a.LastBackup,
			"email_count":     a.EmailCount,
			"last_new_emails": a.LastNewEmails,
			"folders":         a.Folders,
		})
	}
	v.Set("accounts", accounts)
	if err := v.WriteConfigAs(r.path); err != nil {
		return fmt.Errorf("write config %s: %w", r.path, err)
	}
	return nil
}

// Enabled returns the accounts eligible for backup, in registry order.
func (r *Registry) Enabled() []Account {
	out := make([]Account, 0, len(r.Accounts))
	for _, a := range r.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Find returns the account with the given display name.
func (r *Registry) Find(name string) (*Account, bool) {
	for i := range r.Accounts {
		if r.Accounts[i].Name == name {
			return &r.Accounts[i], true
		}
	}
	return nil, false
}

// Add appends an account; names must be unique since they key backup
// directories and progress sub-states.
func (r *Registry) Add(a Account) error {
	if _, ok := r.Find(a.Name); ok {
		return fmt.Errorf("account %q already exists", a.Name)
	}
	r.Accounts = append(r.Accounts, a)
	return nil
}

// Remove drops the named account, reporting whether it existed.
func (r *Registry) Remove(name string) bool {
	for i := range r.Accounts {
		if r.Accounts[i].Name == name {
			r.Accounts = append(r.Accounts[:i], r.Accounts[i+1:]...)
			return true
		}
	}
	return false
}
