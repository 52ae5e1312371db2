package sshfetch

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// startSFTPServer runs an SSH server on loopback that only offers the sftp
// subsystem. It accepts the given password and the given public key.
func startSFTPServer(t *testing.T, password string, authorized ssh.PublicKey) int {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("invalid credentials")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}
		ch, in, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				_ = req.Reply(ok, nil)
				if !ok {
					continue
				}
				srv, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				_ = srv.Serve()
				_ = srv.Close()
				return
			}
		}()
	}
}

func writeRemoteFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini.php")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestFetch_Password(t *testing.T) {
	content := []byte("[database]\nhost = \"db\"\n")
	remote := writeRemoteFile(t, content)
	port := startSFTPServer(t, "s3cret", nil)

	f, err := New(Config{Port: port, User: "vcap", Password: "s3cret", RemotePath: remote, Timeout: 5 * time.Second})
	require.NoError(t, err)

	data, err := f.Fetch(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestFetch_PrivateKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(block)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	remote := writeRemoteFile(t, []byte("ok"))
	port := startSFTPServer(t, "unused-password", sshPub)

	for name, key := range map[string]string{
		"pem":    string(pemKey),
		"base64": base64.StdEncoding.EncodeToString(pemKey),
	} {
		t.Run(name, func(t *testing.T) {
			f, err := New(Config{Port: port, User: "vcap", PrivateKey: key, RemotePath: remote, Timeout: 5 * time.Second})
			require.NoError(t, err)

			data, err := f.Fetch(context.Background(), "127.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, "ok", string(data))
		})
	}
}

func TestFetch_WrongPassword(t *testing.T) {
	remote := writeRemoteFile(t, []byte("x"))
	port := startSFTPServer(t, "right", nil)

	f, err := New(Config{Port: port, User: "vcap", Password: "wrong", RemotePath: remote, Timeout: 5 * time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}

func TestFetch_MissingFile(t *testing.T) {
	port := startSFTPServer(t, "pw", nil)

	f, err := New(Config{Port: port, User: "vcap", Password: "pw", RemotePath: filepath.Join(t.TempDir(), "nope"), Timeout: 5 * time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "127.0.0.1")
	require.Error(t, err)
}

func TestFetch_TooLarge(t *testing.T) {
	remote := writeRemoteFile(t, bytes.Repeat([]byte("a"), MaxFileSize+10))
	port := startSFTPServer(t, "pw", nil)

	f, err := New(Config{Port: port, User: "vcap", Password: "pw", RemotePath: remote, Timeout: 5 * time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "127.0.0.1")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestFetch_CancelledContext(t *testing.T) {
	port := startSFTPServer(t, "pw", nil)
	f, err := New(Config{Port: port, User: "vcap", Password: "pw", RemotePath: "/x", Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "127.0.0.1")
	require.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{User: "vcap", Password: "pw"})
	require.Error(t, err, "remote path required")

	_, err = New(Config{User: "vcap", RemotePath: "/x"})
	require.Error(t, err, "credentials required")

	_, err = New(Config{User: "vcap", PrivateKey: "%%%not-a-key", RemotePath: "/x"})
	require.Error(t, err)
}
