package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasgate"
)

const waitTimeout = 5 * time.Second

// pair returns two channels connected back to back.
func pair(t *testing.T, format Format) (*Channel, *Channel) {
	t.Helper()
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := NewChannel(format, ar, aw, nil)
	b := NewChannel(format, br, bw, nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func serve(t *testing.T, c *Channel, handle Handler) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), handle) }()
	return done
}

// echo answers eval requests with the "msg" argument and fails
// unknown methods.
func echo(c *Channel) Handler {
	return func(_ context.Context, msg *Message) {
		switch msg.Method {
		case "echo":
			_ = c.Reply(msg, msg.Args["msg"], nil)
		default:
			_ = c.Reply(msg, nil, fmt.Errorf("%w: %s", kephasgate.ErrUnknownMethod, msg.Method))
		}
	}
}

func TestChannelRequestResponse(t *testing.T) {
	t.Parallel()

	for _, format := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			t.Parallel()

			a, b := pair(t, format)
			serve(t, a, func(context.Context, *Message) {})
			serve(t, b, echo(b))

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()

			var wg sync.WaitGroup
			results := make([]any, 16)
			errs := make([]error, 16)
			for i := range results {
				wg.Add(1)
				go func() {
					defer wg.Done()
					resp, err := a.Request(ctx, &Message{
						Kind:   KindEval,
						Method: "echo",
						Args:   map[string]any{"msg": fmt.Sprintf("hello-%d", i)},
					})
					errs[i] = err
					if err == nil {
						results[i] = resp.Result
					}
				}()
			}
			wg.Wait()

			for i := range results {
				require.NoError(t, errs[i])
				assert.Equal(t, fmt.Sprintf("hello-%d", i), results[i])
			}
		})
	}
}

func TestChannelRemoteError(t *testing.T) {
	t.Parallel()

	for _, format := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			t.Parallel()

			a, b := pair(t, format)
			serve(t, a, func(context.Context, *Message) {})
			serve(t, b, echo(b))

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()

			_, err := a.Request(ctx, &Message{Kind: KindEval, Method: "missing"})
			require.Error(t, err)
			assert.ErrorIs(t, err, kephasgate.ErrUnknownMethod)

			var remote *RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, "unknown_method", remote.Name)
			assert.Contains(t, remote.Message, "missing")
		})
	}
}

func TestChannelRequestRejectsNotification(t *testing.T) {
	t.Parallel()

	a, _ := pair(t, FormatJSON)
	_, err := a.Request(context.Background(), &Message{Kind: KindReady})
	require.Error(t, err)
}

func TestChannelPeerExitRejectsPending(t *testing.T) {
	t.Parallel()

	a, b := pair(t, FormatJSON)
	aDone := serve(t, a, func(context.Context, *Message) {})

	received := make(chan struct{})
	serve(t, b, func(context.Context, *Message) { close(received) })

	errc := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), &Message{Kind: KindFetch, Prop: "ping"})
		errc <- err
	}()

	select {
	case <-received:
	case <-time.After(waitTimeout):
		t.Fatal("request never reached the peer")
	}
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, kephasgate.ErrChannelClosed)
	case <-time.After(waitTimeout):
		t.Fatal("pending request was not rejected")
	}

	select {
	case err := <-aDone:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}
	assert.ErrorIs(t, a.Err(), kephasgate.ErrChannelClosed)
}

func TestChannelCloseWithError(t *testing.T) {
	t.Parallel()

	a, b := pair(t, FormatJSON)
	serve(t, a, func(context.Context, *Message) {})

	received := make(chan struct{})
	serve(t, b, func(context.Context, *Message) { close(received) })

	errc := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), &Message{Kind: KindEval, Method: "slow"})
		errc <- err
	}()
	<-received

	require.NoError(t, a.CloseWithError(kephasgate.ErrUnitDied))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, kephasgate.ErrUnitDied)
	case <-time.After(waitTimeout):
		t.Fatal("pending request was not rejected")
	}

	_, err := a.Request(context.Background(), &Message{Kind: KindEval, Method: "late"})
	assert.ErrorIs(t, err, kephasgate.ErrUnitDied)
	assert.ErrorIs(t, a.Send(&Message{Kind: KindReady}), kephasgate.ErrUnitDied)
}

func TestChannelRequestContext(t *testing.T) {
	t.Parallel()

	a, b := pair(t, FormatJSON)
	serve(t, a, func(context.Context, *Message) {})
	serve(t, b, func(context.Context, *Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Request(ctx, &Message{Kind: KindEval, Method: "never"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelNotificationsInOrder(t *testing.T) {
	t.Parallel()

	a, b := pair(t, FormatCBOR)

	var mu sync.Mutex
	var kinds []Kind
	all := make(chan struct{})
	serve(t, b, func(_ context.Context, msg *Message) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, msg.Kind)
		if len(kinds) == 3 {
			close(all)
		}
	})

	for _, kind := range []Kind{KindReady, KindDisconnect, KindReconnecting} {
		require.NoError(t, a.Send(&Message{Kind: kind}))
	}

	select {
	case <-all:
	case <-time.After(waitTimeout):
		t.Fatal("notifications not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{KindReady, KindDisconnect, KindReconnecting}, kinds)
}

func TestChannelRejectsSchemaVersion(t *testing.T) {
	t.Parallel()

	in, toChannel := io.Pipe()
	fromChannel, out := io.Pipe()
	c := NewChannel(FormatJSON, in, out, nil)
	t.Cleanup(func() { _ = c.Close() })

	handled := make(chan *Message, 1)
	serve(t, c, func(_ context.Context, msg *Message) { handled <- msg })

	go func() {
		_, _ = io.WriteString(toChannel, `{"v":2,"kind":"eval","id":"abc","method":"ping"}`+"\n")
		_, _ = io.WriteString(toChannel, `{"v":2,"kind":"ready"}`+"\n")
		_, _ = io.WriteString(toChannel, `{"v":1,"kind":"ready"}`+"\n")
	}()

	var resp Message
	require.NoError(t, json.NewDecoder(bufio.NewReader(fromChannel)).Decode(&resp))
	assert.Equal(t, KindEvalResult, resp.Kind)
	assert.Equal(t, "abc", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "schema version 2")

	select {
	case msg := <-handled:
		assert.Equal(t, SchemaVersion, msg.V)
		assert.Equal(t, KindReady, msg.Kind)
	case <-time.After(waitTimeout):
		t.Fatal("current-version notification not handled")
	}
	select {
	case msg := <-handled:
		t.Fatalf("unexpected message %+v", msg)
	default:
	}
}

func TestNewErrorInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "plain", err: errors.New("boom"), want: "error"},
		{name: "sentinel", err: kephasgate.ErrClientNotReady, want: "client_not_ready"},
		{name: "wrapped", err: fmt.Errorf("eval on 3: %w", kephasgate.ErrUnitDied), want: "unit_died"},
		{name: "remote", err: &RemoteError{Name: "shard_not_found", Message: "x"}, want: "shard_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info := NewErrorInfo(tt.err)
			require.NotNil(t, info)
			assert.Equal(t, tt.want, info.Name)
			assert.Equal(t, tt.err.Error(), info.Message)
		})
	}

	assert.Nil(t, NewErrorInfo(nil))
}

func TestKind(t *testing.T) {
	t.Parallel()

	assert.True(t, KindEval.IsRequest())
	assert.True(t, KindSupFetch.IsRequest())
	assert.False(t, KindReady.IsRequest())
	assert.False(t, KindRespawnAll.IsRequest())

	assert.True(t, KindFetchResult.IsResponse())
	assert.False(t, KindFetch.IsResponse())

	assert.Equal(t, KindSupEvalResult, KindSupEval.Response())
	assert.Equal(t, Kind(""), KindReady.Response())
}
