package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/mcpserve/pkg/auth"
	"github.com/meridianhq/mcpserve/pkg/authserver"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/tools"
	"github.com/meridianhq/mcpserve/pkg/transport"
	"github.com/meridianhq/mcpserve/pkg/transport/session"
	"github.com/meridianhq/mcpserve/pkg/workflow"
)

type fakeValidator struct {
	record *authserver.AccessToken
	err    error
}

func (f *fakeValidator) ValidateAccessToken(_ context.Context, _ string) (*authserver.AccessToken, error) {
	return f.record, f.err
}

func newTestTransport(t *testing.T, input string, opts Options) (*Transport, *bytes.Buffer, *session.Manager) {
	t.Helper()

	reg := tools.NewRegistry(prometheus.NewRegistry())
	require.NoError(t, reg.Register(tools.Definition{Name: "echo"},
		func(_ context.Context, args map[string]any, _ tools.Extra) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(args["message"].(string)), nil
		}, tools.ModeNative))
	require.NoError(t, reg.Register(tools.Definition{Name: "whoami"},
		func(ctx context.Context, _ map[string]any, _ tools.Extra) (*mcp.CallToolResult, error) {
			rc := auth.RequestContextFrom(ctx)
			if rc == nil || rc.UserID == "" {
				return mcp.NewToolResultText("anonymous"), nil
			}
			return mcp.NewToolResultText(rc.UserID), nil
		}, tools.ModeNative))

	dispatcher := transport.NewDispatcher(reg, workflow.NewEngine(nil), transport.ServerInfo{Name: "mcpserve", Version: "test"})
	sessions := session.NewManager(config.SessionConfig{
		Timeout:         time.Minute,
		CleanupInterval: time.Minute,
	}, nil, nil, nil)
	t.Cleanup(sessions.Stop)

	out := &bytes.Buffer{}
	tr := New(dispatcher, sessions, opts)
	tr.in = strings.NewReader(input)
	tr.out = out
	return tr, out, sessions
}

func responses(t *testing.T, out *bytes.Buffer) []transport.Message {
	t.Helper()
	var msgs []transport.Message
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var msg transport.Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestRunProcessesMessagesUntilEOF(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize"}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}
`
	tr, out, sessions := newTestTransport(t, input, Options{})
	require.NoError(t, tr.Run(context.Background()))

	// Notifications get no reply, so two responses for three inputs.
	msgs := responses(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, json.RawMessage(`1`), msgs[0].ID)
	assert.Nil(t, msgs[0].Error)
	assert.Equal(t, json.RawMessage(`2`), msgs[1].ID)
	assert.Nil(t, msgs[1].Error)

	// The implicit session is torn down on exit.
	assert.Equal(t, 0, sessions.Count())
}

func TestRunRepliesToMalformedLine(t *testing.T) {
	tr, out, _ := newTestTransport(t, "{broken\n", Options{})
	require.NoError(t, tr.Run(context.Background()))

	msgs := responses(t, out)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, -32700, msgs[0].Error.Code)
}

func TestRunSkipsBlankLines(t *testing.T) {
	tr, out, _ := newTestTransport(t, "\n\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n", Options{})
	require.NoError(t, tr.Run(context.Background()))
	assert.Len(t, responses(t, out), 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A blocked reader: no input ever arrives.
	tr, _, _ := newTestTransport(t, "", Options{})
	err := tr.Run(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func stdioAuthConfig(token string) config.AuthConfig {
	return config.AuthConfig{
		Enabled:          true,
		StdioEnabled:     true,
		StdioAllowOAuth:  true,
		StdioAccessToken: token,
	}
}

func TestRunRequiresTokenWhenAuthEnabled(t *testing.T) {
	tr, _, _ := newTestTransport(t, "", Options{
		Auth:   stdioAuthConfig(""),
		Tokens: &fakeValidator{record: &authserver.AccessToken{UserID: "alice"}},
	})
	assert.ErrorIs(t, tr.Run(context.Background()), ErrTokenRequired)
}

func TestRunRejectsInvalidToken(t *testing.T) {
	tr, _, _ := newTestTransport(t, "", Options{
		Auth:   stdioAuthConfig("bogus"),
		Tokens: &fakeValidator{err: authserver.ErrInvalidToken},
	})
	assert.ErrorIs(t, tr.Run(context.Background()), authserver.ErrInvalidToken)
}

func TestRunBindsIdentityToRequests(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"whoami","arguments":{}}}
`
	tr, out, _ := newTestTransport(t, input, Options{
		Auth: stdioAuthConfig("tok-1"),
		Tokens: &fakeValidator{record: &authserver.AccessToken{
			UserID:   "alice",
			ClientID: "cli",
			Scopes:   []string{"mcp:tools"},
		}},
	})
	require.NoError(t, tr.Run(context.Background()))

	msgs := responses(t, out)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].Error)
	raw, err := json.Marshal(msgs[0].Result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "alice")
}

func TestRunSkipFlagDisablesStdioAuth(t *testing.T) {
	cfg := stdioAuthConfig("")
	cfg.StdioSkip = true
	tr, out, _ := newTestTransport(t, "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n", Options{Auth: cfg})
	require.NoError(t, tr.Run(context.Background()))
	assert.Len(t, responses(t, out), 1)
}

func TestRequestTimeoutCancelsSlowCalls(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait","arguments":{}}}
`
	tr, out, _ := newTestTransport(t, input, Options{
		Session: config.SessionConfig{RequestTimeout: 20 * time.Millisecond},
	})

	reg := tools.NewRegistry(prometheus.NewRegistry())
	require.NoError(t, reg.Register(tools.Definition{Name: "wait"},
		func(ctx context.Context, _ map[string]any, _ tools.Extra) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, tools.ModeNative))
	tr.dispatcher = transport.NewDispatcher(reg, workflow.NewEngine(nil), transport.ServerInfo{Name: "mcpserve", Version: "test"})

	require.NoError(t, tr.Run(context.Background()))

	msgs := responses(t, out)
	require.Len(t, msgs, 1)
	require.Nil(t, msgs[0].Error)
	raw, err := json.Marshal(msgs[0].Result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "deadline")
}
