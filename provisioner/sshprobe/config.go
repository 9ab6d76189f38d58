package sshprobe

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	Username string `json:"username"`
	Port     int    `json:"port"`

	// PrivateKeyPath is read when PrivateKey is not set
	PrivateKeyPath string     `json:"private-key-path"`
	PrivateKey     ssh.Signer `json:"-"`

	// HostKeyCallback defaults to accepting any host key: a freshly booted instance has no
	// known host key yet.
	HostKeyCallback ssh.HostKeyCallback `json:"-"`

	// Timeout bounds the TCP connection and the SSH handshake of a single probe
	Timeout time.Duration `json:"timeout"`

	// CommandTimeout bounds the readiness command once connected
	CommandTimeout time.Duration `json:"command-timeout"`

	// Command is run on the instance, it must exit with 0 once the instance is usable
	Command []string `json:"command"`
}

func DefaultConfig(username string) Config {
	return Config{
		Username:       username,
		Port:           22,
		Timeout:        10 * time.Second,
		CommandTimeout: time.Minute,
		Command:        []string{"true"},
	}
}

func (c Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("ssh username is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid ssh port: %d", c.Port)
	}
	if c.PrivateKey == nil && c.PrivateKeyPath == "" {
		return fmt.Errorf("ssh private key is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("ssh timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("readiness command timeout must be positive")
	}
	if len(c.Command) == 0 {
		return fmt.Errorf("readiness command must not be empty")
	}
	return nil
}
