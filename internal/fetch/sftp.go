// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

package fetch

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/warmstart/prestage/internal/logging"
	"golang.org/x/crypto/ssh"
)

// client bundles the SSH connection with its SFTP session.
type client struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// dial connects to the remote host using key authentication and a pinned
// host key. Bake runs in CI, so there is no agent fallback and no
// trust-on-first-use: an unpinned host is an error.
func dial(u sftpURL, opts Options) (*client, error) {
	if opts.KeyPath == "" {
		return nil, fmt.Errorf("sftp source requires fetch.key to be set")
	}
	keyData, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", opts.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", opts.KeyPath, err)
	}

	hostKeyCallback, err := pinnedHostKeyCallback(opts.HostKey)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            u.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	sshClient, err := ssh.Dial("tcp", u.addr, config)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", u.addr, err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("create sftp client: %w", err)
	}
	return &client{ssh: sshClient, sftp: sftpClient}, nil
}

// pinnedHostKeyCallback builds a host key check from a pinned key in
// authorized_keys format.
func pinnedHostKeyCallback(pinned string) (ssh.HostKeyCallback, error) {
	if pinned == "" {
		return nil, fmt.Errorf("sftp source requires fetch.host_key to be pinned")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pinned))
	if err != nil {
		return nil, fmt.Errorf("parse pinned host key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

// download copies the remote file into workDir, keeping its base name.
func (c *client) download(remote, workDir string) (string, error) {
	in, err := c.sftp.Open(remote)
	if err != nil {
		return "", fmt.Errorf("open remote file %s: %w", remote, err)
	}
	defer in.Close()

	local := filepath.Join(workDir, path.Base(remote))
	out, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", local, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return "", fmt.Errorf("download %s: %w", remote, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", local, err)
	}

	logging.Debugf("fetched %s (%d bytes)", remote, n)
	return local, nil
}

// close tears down the SFTP session and the SSH connection.
func (c *client) close() {
	if c.sftp != nil {
		c.sftp.Close()
	}
	if c.ssh != nil {
		c.ssh.Close()
	}
}
