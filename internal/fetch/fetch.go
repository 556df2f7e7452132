// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Package fetch resolves bake sources to local paths. Local paths and
// file:// URLs pass through; sftp:// URLs are downloaded. Fetching happens
// at image build time only, never in the runtime staging path.
package fetch

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Options carries the credentials for remote sources.
type Options struct {
	// KeyPath is the private key file used for sftp sources.
	KeyPath string
	// HostKey is the pinned host public key in authorized_keys format.
	// Remote fetches refuse to connect without one.
	HostKey string
	// Timeout bounds the connection attempt. Zero means 10 seconds.
	Timeout time.Duration
}

// Resolve turns a bake source into a local filesystem path. Remote sources
// are downloaded into workDir and the downloaded path is returned.
func Resolve(src, workDir string, opts Options) (string, error) {
	switch {
	case strings.HasPrefix(src, "sftp://"):
		u, err := parseSFTPURL(src)
		if err != nil {
			return "", err
		}
		c, err := dial(u, opts)
		if err != nil {
			return "", err
		}
		defer c.close()
		return c.download(u.path, workDir)

	case strings.HasPrefix(src, "file://"):
		u, err := url.Parse(src)
		if err != nil {
			return "", fmt.Errorf("parse source %s: %w", src, err)
		}
		return u.Path, nil

	default:
		return src, nil
	}
}

// sftpURL is a parsed sftp:// source.
type sftpURL struct {
	user string
	addr string
	path string
}

// parseSFTPURL splits sftp://user@host[:port]/path into its parts. The port
// defaults to 22.
func parseSFTPURL(raw string) (sftpURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return sftpURL{}, fmt.Errorf("parse source %s: %w", raw, err)
	}
	if u.Scheme != "sftp" {
		return sftpURL{}, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, raw)
	}
	if u.User == nil || u.User.Username() == "" {
		return sftpURL{}, fmt.Errorf("sftp source %s is missing a user", raw)
	}
	if u.Host == "" {
		return sftpURL{}, fmt.Errorf("sftp source %s is missing a host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		return sftpURL{}, fmt.Errorf("sftp source %s is missing a path", raw)
	}

	addr := u.Host
	if u.Port() == "" {
		addr = u.Host + ":22"
	}
	return sftpURL{user: u.User.Username(), addr: addr, path: u.Path}, nil
}
