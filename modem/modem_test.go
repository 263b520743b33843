package modem_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"i4.energy/across/cellular/modem"
)

// dialMock builds a Conn over a mocked transport whose handshake is
// scripted by handshake. Calls queued after it run in order.
func dialMock(t *testing.T, handshake func(*modem.MockTransport) []any, opts ...func(*modem.ConfigBuilder)) (*modem.Conn, *modem.MockTransport, error) {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr := modem.NewMockTransport(ctrl)
	dialer := modem.NewMockDialer(ctrl)

	gomock.InOrder(slices.Concat(
		[]any{dialer.EXPECT().Dial(gomock.Any()).Return(tr, nil)},
		handshake(tr),
	)...)

	b := modem.NewConfigBuilder().WithDialer(dialer)
	for _, opt := range opts {
		opt(b)
	}
	cfg, err := b.Build()
	require.NoError(t, err)

	m, err := modem.New(context.Background(), cfg)
	return m, tr, err
}

func TestConnNew(t *testing.T) {
	t.Run("Handshake", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)
		require.NotNil(t, m)

		tr.EXPECT().Close().Return(nil)
		require.NoError(t, m.Close())
	})

	t.Run("Echo kept on", func(t *testing.T) {
		m, tr, err := dialMock(t, func(tr *modem.MockTransport) []any {
			return NewMockSequence(tr).AT().Build()
		}, func(b *modem.ConfigBuilder) { b.WithEcho(true) })
		require.NoError(t, err)

		tr.EXPECT().Close().Return(nil)
		require.NoError(t, m.Close())
	})

	t.Run("Handshake failure closes the transport", func(t *testing.T) {
		m, _, err := dialMock(t, func(tr *modem.MockTransport) []any {
			return append(NewMockSequence(tr).ATFails().Build(), tr.EXPECT().Close())
		})
		require.ErrorContains(t, err, "modem not responding")
		require.Nil(t, m)
	})

	t.Run("Echo failure closes the transport", func(t *testing.T) {
		m, _, err := dialMock(t, func(tr *modem.MockTransport) []any {
			return append(NewMockSequence(tr).AT().Reply("ATE0", "ERROR\r\n").Build(), tr.EXPECT().Close())
		})
		require.ErrorContains(t, err, "could not disable echo")
		require.Nil(t, m)
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := modem.NewMockDialer(ctrl)
		dialErr := errors.New("connection failed")
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, dialErr)

		cfg, err := modem.NewConfigBuilder().WithDialer(dialer).Build()
		require.NoError(t, err)
		m, err := modem.New(context.Background(), cfg)
		require.ErrorIs(t, err, dialErr)
		require.Nil(t, m)
	})

	t.Run("No dialer", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		require.ErrorIs(t, err, modem.ErrNoDialer)
		require.Nil(t, m)
	})

	t.Run("Nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := modem.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		cfg, err := modem.NewConfigBuilder().WithDialer(dialer).Build()
		require.NoError(t, err)
		_, err = modem.New(context.Background(), cfg)
		require.ErrorIs(t, err, modem.ErrNotInitialized)
	})
}

func TestConnClose(t *testing.T) {
	t.Run("Transport error is returned", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)

		closeErr := errors.New("transport close failed")
		tr.EXPECT().Close().Return(closeErr)
		require.ErrorIs(t, m.Close(), closeErr)
	})

	t.Run("Second close", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)

		tr.EXPECT().Close().Return(nil)
		require.NoError(t, m.Close())
		require.ErrorIs(t, m.Close(), modem.ErrAlreadyClosed)
	})
}

func TestConnLoop(t *testing.T) {
	// loop runs Loop in the background and returns its result channel.
	loop := func(ctx context.Context, m *modem.Conn) <-chan error {
		done := make(chan error, 1)
		go func() { done <- m.Loop(ctx) }()
		return done
	}

	t.Run("EOF ends the loop", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)
		tr.EXPECT().Read(gomock.Any()).Return(0, io.EOF)
		tr.EXPECT().Close().Return(nil)
		defer m.Close()

		require.ErrorIs(t, <-loop(context.Background(), m), io.EOF)
	})

	t.Run("URC reaches the channel", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)
		release := make(chan struct{})
		gomock.InOrder(
			tr.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
				return copy(p, "+CMTI: \"SM\",7\r\n"), nil
			}),
			tr.EXPECT().Read(gomock.Any()).DoAndReturn(func([]byte) (int, error) {
				<-release
				return 0, io.EOF
			}),
		)
		tr.EXPECT().Close().Return(nil)
		defer m.Close()

		done := loop(context.Background(), m)
		select {
		case line := <-m.URC():
			ev := modem.ParseEvent(line)
			require.Equal(t, modem.EvNewMessage, ev.Type)
			require.Equal(t, 7, ev.Index)
		case <-time.After(time.Second):
			t.Fatal("no URC received")
		}
		close(release)
		require.ErrorIs(t, <-done, io.EOF)
	})

	t.Run("Cancellation", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		reading := make(chan struct{})
		tr.EXPECT().Read(gomock.Any()).DoAndReturn(func([]byte) (int, error) {
			close(reading)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		tr.EXPECT().Close().Return(nil)
		defer m.Close()

		done := loop(ctx, m)
		<-reading
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("Read error", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)
		readErr := errors.New("transport read error")
		tr.EXPECT().Read(gomock.Any()).Return(0, readErr)
		tr.EXPECT().Close().Return(nil)
		defer m.Close()

		err = m.Loop(context.Background())
		require.ErrorIs(t, err, readErr)
		require.ErrorContains(t, err, "scanner error")
	})

	t.Run("Second loop", func(t *testing.T) {
		m, tr, err := dialMock(t, initMockCalls)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		reading := make(chan struct{})
		tr.EXPECT().Read(gomock.Any()).DoAndReturn(func([]byte) (int, error) {
			close(reading)
			<-ctx.Done()
			return 0, ctx.Err()
		})
		tr.EXPECT().Close().Return(nil)
		defer m.Close()

		done := loop(ctx, m)
		<-reading
		require.ErrorIs(t, m.Loop(ctx), modem.ErrLoopRunning)
		cancel()
		<-done
	})
}
