// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/execcontext"
	"golang.org/x/crypto/ssh"
)

const (
	defaultPort        = "22"
	defaultDialTimeout = 10 * time.Second
)

var (
	ErrReadPrivateKey  = errors.New("unable to read private key")
	ErrParsePrivateKey = errors.New("unable to parse private key")
	ErrDial            = errors.New("unable to connect")
	ErrRemoteCommand   = errors.New("remote command failed")
)

var _ Runner = &Client{}

// Client implements the Runner interface for real SSH connections.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string
}

// NewClient creates a new SSH client. An empty port defaults to 22.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, errors.Join(err, ErrReadPrivateKey)
	}

	if port == "" {
		port = defaultPort
	}

	return &Client{
		Host:       host,
		User:       user,
		PrivateKey: key,
		Port:       port,
	}, nil
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Run executes cmd on the remote host. Canceling ctx closes the connection,
// which aborts the remote session.
func (c *Client) Run(
	ctx context.Context,
	ec execcontext.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	config, err := c.clientConfig()
	if err != nil {
		return "", "", err
	}

	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return "", "", errors.Join(fmt.Errorf("addr=%s", c.Addr()), err, ErrDial)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.Addr(), config)
	if err != nil {
		_ = netConn.Close()
		return "", "", errors.Join(fmt.Errorf("addr=%s", c.Addr()), err, ErrDial)
	}
	conn := ssh.NewClient(sshConn, chans, reqs)
	defer runFuncAndLogErr(conn.Close)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(execcontext.FormatCmd(ec, cmd...)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return stdoutBuf.String(), stderrBuf.String(), errors.Join(err, ErrRemoteCommand)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, errors.Join(err, ErrParsePrivateKey)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// The test client lives in a throwaway lab.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         defaultDialTimeout,
	}, nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
