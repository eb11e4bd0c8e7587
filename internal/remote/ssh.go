package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/pkg/api"
)

const (
	DefaultKillGrace = 5 * time.Second

	// signalTimeout bounds the out of band kill commands
	signalTimeout = 10 * time.Second
)

type SSHOptions struct {
	KillGrace      time.Duration
	Keepalive      time.Duration
	KnownHostsFile string
}

// SSHExecutor runs commands on one remote host over a single SSH connection,
// opening one session per command.
type SSHExecutor struct {
	logger  *slog.Logger
	conn    api.RemoteConnection
	client  *ssh.Client
	options SSHOptions

	stop      chan struct{}
	closeOnce sync.Once
}

func authMethods(conn *api.RemoteConnection) ([]ssh.AuthMethod, error) {
	switch conn.Auth {
	case api.AuthKey:
		var signer ssh.Signer
		var err error
		if conn.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(conn.PrivateKey), []byte(conn.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(conn.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		password := conn.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_ string, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}
}

func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(knownHostsFile)
}

// DialSSH connects and authenticates to the host of conn. The connect timeout of
// the descriptor bounds the TCP dial and the handshake.
func DialSSH(ctx context.Context, logger *slog.Logger, conn api.RemoteConnection, options SSHOptions) (*SSHExecutor, error) {
	if options.KillGrace <= 0 {
		options.KillGrace = DefaultKillGrace
	}
	auth, err := authMethods(&conn)
	if err != nil {
		return nil, authError(conn.User, conn.Host, err)
	}
	callback, err := hostKeyCallback(options.KnownHostsFile)
	if err != nil {
		return nil, connectionError(conn.Host, err)
	}
	config := &ssh.ClientConfig{
		User:            conn.User,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         conn.ConnectTimeout(),
	}

	address := conn.Address()
	logger.Info("Connecting to remote host", "host", conn.Host, "address", address, "user", conn.User, "auth", conn.Auth)

	dialer := net.Dialer{Timeout: conn.ConnectTimeout()}
	tcpConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, connectionError(conn.Host, err)
	}
	_ = tcpConn.SetDeadline(time.Now().Add(conn.ConnectTimeout()))
	clientConn, chans, reqs, err := ssh.NewClientConn(tcpConn, address, config)
	if err != nil {
		_ = tcpConn.Close()
		if isAuthFailure(err) {
			return nil, authError(conn.User, conn.Host, err)
		}
		return nil, connectionError(conn.Host, err)
	}
	_ = tcpConn.SetDeadline(time.Time{})

	e := &SSHExecutor{
		logger:  logger.With("host", conn.Host),
		conn:    conn,
		client:  ssh.NewClient(clientConn, chans, reqs),
		options: options,
		stop:    make(chan struct{}),
	}
	if options.Keepalive > 0 {
		go e.keepalive(options.Keepalive)
	}
	return e, nil
}

func (e *SSHExecutor) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if _, _, err := e.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				e.logger.Warn("SSH keepalive failed, closing the connection", "error", err.Error())
				_ = e.client.Close()
				return
			}
		}
	}
}

func (e *SSHExecutor) Target() string {
	return e.conn.Host
}

func (e *SSHExecutor) Execute(ctx context.Context, command string, timeout time.Duration, onLine abstractions.LineHandler) (int, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return -1, connectionError(e.conn.Host, err)
	}
	defer session.Close()

	var pgid atomic.Int64
	stdout := newLineWriter(abstractions.Stdout, func(stream abstractions.Stream, line string) {
		if id, ok := parseMarker(line); ok && pgid.Load() == 0 {
			pgid.Store(int64(id))
			return
		}
		if onLine != nil {
			onLine(stream, line)
		}
	})
	stderr := newLineWriter(abstractions.Stderr, onLine)
	session.Stdout = stdout
	session.Stderr = stderr

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := session.Start(wrapCommand(command)); err != nil {
		return -1, connectionError(e.conn.Host, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		stdout.Flush()
		stderr.Flush()
		return e.exitStatus(command, err)
	case <-runCtx.Done():
		group := int(pgid.Load())
		e.logger.Info("Stopping remote command", "command", ShortCommand(command), "pgid", group, "reason", runCtx.Err())
		_ = session.Signal(ssh.SIGTERM)
		if group > 0 {
			e.signalGroup("TERM", group)
		}
		select {
		case <-done:
		case <-time.After(e.options.KillGrace):
			_ = session.Signal(ssh.SIGKILL)
			if group > 0 {
				e.signalGroup("KILL", group)
			}
			// closing the session interrupts a wait on output in progress
			_ = session.Close()
		}
		stdout.Flush()
		stderr.Flush()
		return -1, interruptedError(ctx, e.conn.Host, command, timeout)
	}
}

// signalGroup sends the signal to the remote process group through a fresh
// session. Failures are logged only.
func (e *SSHExecutor) signalGroup(signal string, pgid int) {
	session, err := e.client.NewSession()
	if err != nil {
		e.logger.Warn("Failed to open a session to signal the process group", "signal", signal, "pgid", pgid, "error", err.Error())
		return
	}
	defer session.Close()
	done := make(chan error, 1)
	go func() {
		done <- session.Run("kill -" + signal + " -- -" + strconv.Itoa(pgid))
	}()
	select {
	case err := <-done:
		if err != nil {
			e.logger.Debug("Signal to the process group failed", "signal", signal, "pgid", pgid, "error", err.Error())
		}
	case <-time.After(signalTimeout):
		e.logger.Warn("Timed out signalling the process group", "signal", signal, "pgid", pgid)
	}
}

func (e *SSHExecutor) exitStatus(command string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), commandError(e.conn.Host, command, exitErr.ExitStatus())
	}
	// the session ended without an exit status, the connection is gone
	return -1, connectionError(e.conn.Host, err)
}

func (e *SSHExecutor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stop)
		err = e.client.Close()
	})
	return err
}
