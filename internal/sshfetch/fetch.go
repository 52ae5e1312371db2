// Package sshfetch downloads a single file from a running instance over
// SSH + SFTP.
package sshfetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aliuygur/analytics-broker/internal/appctx"
)

// MaxFileSize bounds how much of the remote file is read.
const MaxFileSize = 1 << 20

var ErrTooLarge = errors.New("sshfetch: remote file too large")

type Config struct {
	Port       int
	User       string
	PrivateKey string // PEM, optionally base64-encoded
	Password   string
	KnownHosts string
	RemotePath string
	Timeout    time.Duration
}

type Fetcher struct {
	cfg    Config
	client *ssh.ClientConfig
}

func New(cfg Config) (*Fetcher, error) {
	if cfg.RemotePath == "" {
		return nil, fmt.Errorf("remote path is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientConfig, err := buildClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Fetcher{cfg: cfg, client: clientConfig}, nil
}

func buildClientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if cfg.PrivateKey != "" {
		key, err := decodeKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
		auth = append(auth, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cfg.Password
				}
				return answers, nil
			},
		))
	}

	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh private key or password is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // instances are reached through the platform's own ssh proxy
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}, nil
}

func decodeKey(key string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(key), "-----BEGIN") {
		return []byte(key), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("private key is neither PEM nor base64: %w", err)
	}
	return decoded, nil
}

// Fetch connects to host and returns the content of the configured remote
// file. Cancelling ctx aborts the transfer.
func (f *Fetcher) Fetch(ctx context.Context, host string) ([]byte, error) {
	return f.FetchPath(ctx, host, f.cfg.RemotePath)
}

// FetchPath is Fetch for an explicit remote path.
func (f *Fetcher) FetchPath(ctx context.Context, host, remotePath string) ([]byte, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(f.cfg.Port))
	logger := appctx.GetLogger(ctx).With("ssh_addr", addr, "remote_path", remotePath)

	dialer := net.Dialer{Timeout: f.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, f.client)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, ctxErr(ctx, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", ctxErr(ctx, err))
	}
	defer sftpClient.Close()

	file, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", remotePath, ctxErr(ctx, err))
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", remotePath, ctxErr(ctx, err))
	}
	if len(data) > MaxFileSize {
		return nil, ErrTooLarge
	}

	logger.Debug("fetched remote file", "bytes", len(data))
	return data, nil
}

// ctxErr prefers the context error when the connection was closed because
// ctx ended.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
