// Package sshprobe checks that an instance accepts commands over SSH.
package sshprobe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/stratus/provisioner"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
)

var errHandshake = errors.New("ssh handshake failed")

type Prober struct {
	config  Config
	command string
	log     *slog.Logger
}

// Prober implements provisioner.Prober
var _ provisioner.Prober = (*Prober)(nil)

func New(config Config) (*Prober, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.PrivateKey == nil {
		pem, err := os.ReadFile(config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		config.PrivateKey, err = ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	if config.HostKeyCallback == nil {
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &Prober{
		config:  config,
		command: shellescape.QuoteCommand(config.Command),
		log:     lo.Ternary(config.Logger != nil, config.Logger, slog.New(slog.DiscardHandler)),
	}, nil
}

// Probe connects to the first address of the instance and runs the readiness command.
// Connections refused, reset or timing out mean the instance is not ready yet, and so do
// rejected handshakes: sshd often starts before the authorized keys are installed. The whole
// check, command included, is bounded by Timeout plus CommandTimeout.
func (p *Prober) Probe(ctx context.Context, instance *provisioner.Instance) (bool, error) {
	if len(instance.Addresses) == 0 {
		p.log.Debug("Instance has no address yet", "instance", instance.ID)
		return false, nil
	}
	address := net.JoinHostPort(instance.Addresses[0], strconv.Itoa(p.config.Port))

	client, err := p.dial(ctx, address)
	if errors.Is(err, errHandshake) {
		p.log.Debug("SSH handshake failed", "address", address, "error", err)
		return false, nil
	} else if err != nil {
		return classify(err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		p.log.Debug("Failed to create SSH session", "address", address, "error", err)
		return false, nil
	}
	defer session.Close()

	if err := session.Run(p.command); err != nil {
		p.log.Debug("Readiness command failed", "address", address, "command", p.command, "error", err)
		return false, nil
	}

	return true, nil
}

func (p *Prober) dial(ctx context.Context, address string) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: p.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(p.config.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}

	sshConn, channels, requests, err := ssh.NewClientConn(conn, address, &ssh.ClientConfig{
		User:            p.config.Username,
		Timeout:         p.config.Timeout,
		HostKeyCallback: p.config.HostKeyCallback,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(p.config.PrivateKey),
		},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", errHandshake, err)
	}

	// A command that never exits or a connection dropping silently fails the read
	if err := conn.SetDeadline(time.Now().Add(p.config.CommandTimeout)); err != nil {
		sshConn.Close()
		return nil, err
	}

	return ssh.NewClient(sshConn, channels, requests), nil
}

// classify sorts TCP dial errors: unreachable networks are reported as such, errors a booting
// instance typically produces mean "not ready", anything else is returned as is.
func classify(err error) (bool, error) {
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return false, fmt.Errorf("%w: %w", provisioner.ErrNetworkUnreachable, err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return false, nil
	}

	return false, err
}
