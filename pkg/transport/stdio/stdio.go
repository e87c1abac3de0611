// Package stdio implements the STDIO transport: newline-delimited JSON-RPC
// messages on stdin and stdout, one implicit session for the lifetime of the
// process. All logging goes to stderr so stdout stays a clean protocol
// channel.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/meridianhq/mcpserve/pkg/auth"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/logger"
	"github.com/meridianhq/mcpserve/pkg/transport"
	"github.com/meridianhq/mcpserve/pkg/transport/session"
)

// maxLineSize bounds a single inbound message.
const maxLineSize = 4 << 20

// ErrTokenRequired is returned when stdio authentication is enabled but the
// process was started without an access token.
var ErrTokenRequired = errors.New("stdio authentication is enabled but MCP_ACCESS_TOKEN is not set")

// Options carries the transport policy: session limits, the stdio
// authentication mode, and the validator that resolves access tokens.
type Options struct {
	Session config.SessionConfig
	Auth    config.AuthConfig
	Tokens  auth.TokenValidator
}

// Transport runs the STDIO message loop.
type Transport struct {
	dispatcher *transport.Dispatcher
	sessions   *session.Manager
	opts       Options

	// identity is resolved once at startup when stdio auth is enabled; every
	// request on the implicit session carries it.
	identity *auth.RequestContext

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// New creates a STDIO transport bound to the process's stdin and stdout.
func New(dispatcher *transport.Dispatcher, sessions *session.Manager, opts Options) *Transport {
	return &Transport{
		dispatcher: dispatcher,
		sessions:   sessions,
		opts:       opts,
		in:         os.Stdin,
		out:        os.Stdout,
	}
}

// Run processes messages until stdin closes or the context is cancelled.
// The implicit session is created up front, authenticated when stdio auth is
// enabled, and torn down on exit.
func (t *Transport) Run(ctx context.Context) error {
	sess, err := t.sessions.Create(ctx, session.TransportStdio)
	if err != nil {
		return fmt.Errorf("failed to create stdio session: %w", err)
	}
	defer func() {
		if err := t.sessions.Delete(context.Background(), sess.ID); err != nil {
			logger.Warnw("failed to delete stdio session", "session_id", sess.ID, "error", err)
		}
	}()

	if err := t.authenticate(ctx, sess.ID); err != nil {
		return err
	}
	logger.Infow("stdio transport started", "session_id", sess.ID)

	lines := make(chan []byte)
	errCh := make(chan error, 1)
	go t.readLines(lines, errCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err == io.EOF {
				logger.Info("stdin closed, stopping stdio transport")
				return nil
			}
			return fmt.Errorf("failed to read stdin: %w", err)
		case line := <-lines:
			t.handleLine(ctx, sess.ID, line)
		}
	}
}

// authenticate validates the ambient access token and binds its identity to
// the implicit session. With stdio auth disabled or skipped the session stays
// anonymous.
func (t *Transport) authenticate(ctx context.Context, sessionID string) error {
	cfg := t.opts.Auth
	if !cfg.Enabled || !cfg.StdioEnabled || cfg.StdioSkip {
		return nil
	}
	if cfg.StdioAccessToken == "" {
		return ErrTokenRequired
	}
	if !cfg.StdioAllowOAuth || t.opts.Tokens == nil {
		return fmt.Errorf("stdio authentication is enabled but OAuth access tokens are not accepted on this transport")
	}

	record, err := t.opts.Tokens.ValidateAccessToken(ctx, cfg.StdioAccessToken)
	if err != nil {
		return fmt.Errorf("stdio access token rejected: %w", err)
	}
	if err := t.sessions.Authenticate(ctx, sessionID, record.UserID, record.ClientID, record.Scopes); err != nil {
		return fmt.Errorf("failed to bind identity to stdio session: %w", err)
	}

	rc := auth.NewRequestContext(session.TransportStdio)
	rc.UserID = record.UserID
	rc.ClientID = record.ClientID
	rc.Scopes = record.Scopes
	t.identity = rc
	logger.Infow("stdio session authenticated", "session_id", sessionID, "user_id", record.UserID)
	return nil
}

// readLines feeds complete lines to the run loop. A copy is made because the
// scanner reuses its buffer.
func (t *Transport) readLines(lines chan<- []byte, errCh chan<- error) {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		lines <- line
	}
	if err := scanner.Err(); err != nil {
		errCh <- err
		return
	}
	errCh <- io.EOF
}

func (t *Transport) handleLine(ctx context.Context, sessionID string, line []byte) {
	msg, rpcErr := transport.ParseMessage(line)
	if rpcErr != nil {
		t.write(&transport.Message{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	// Touch the session so the idle timeout tracks real activity.
	if _, err := t.sessions.Get(ctx, sessionID, session.TransportStdio); err != nil {
		logger.Debugw("stdio session touch failed", "session_id", sessionID, "error", err)
	}

	rc := auth.NewRequestContext(session.TransportStdio)
	if t.identity != nil {
		rc.UserID = t.identity.UserID
		rc.ClientID = t.identity.ClientID
		rc.Scopes = t.identity.Scopes
	}
	rc.SessionID = sessionID

	if timeout := t.opts.Session.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp := t.dispatcher.Dispatch(auth.WithRequestContext(ctx, rc), msg)
	if resp == nil {
		return
	}
	t.write(resp)
}

func (t *Transport) write(msg *transport.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err)
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(raw, '\n')); err != nil {
		logger.Errorw("failed to write response", "error", err)
	}
}
