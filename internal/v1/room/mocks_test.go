package room

import (
	"context"
	"sync"
)

// mockTransport records every frame sent to a client.
type mockTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

func newMockTransport() *mockTransport { return &mockTransport{} }

func (m *mockTransport) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.frames = append(m.frames, buf)
	return nil
}

func (m *mockTransport) Close(code int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.closeCode = code
	}
	return nil
}

func (m *mockTransport) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *mockTransport) FramesByCode(code byte) [][]byte {
	var out [][]byte
	for _, f := range m.Frames() {
		if len(f) > 0 && f[0] == code {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockTransport) Closed() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode
}

// testDelegate wires every optional hook to a function field. Unset
// fields behave like the defaults.
type testDelegate struct {
	onCreate  func(ctx context.Context, r *Room, options map[string]any) error
	onAuth    func(ctx context.Context, c *Client, options map[string]any) error
	onJoin    func(ctx context.Context, r *Room, c *Client, options map[string]any) error
	onLeave   func(ctx context.Context, r *Room, c *Client, consented bool) error
	onDispose func(ctx context.Context, r *Room) error
	onExcept  func(err error, methodName string)
}

func (d *testDelegate) OnCreate(ctx context.Context, r *Room, options map[string]any) error {
	if d.onCreate != nil {
		return d.onCreate(ctx, r, options)
	}
	return nil
}

func (d *testDelegate) OnAuth(ctx context.Context, c *Client, options map[string]any) error {
	if d.onAuth != nil {
		return d.onAuth(ctx, c, options)
	}
	return nil
}

func (d *testDelegate) OnJoin(ctx context.Context, r *Room, c *Client, options map[string]any) error {
	if d.onJoin != nil {
		return d.onJoin(ctx, r, c, options)
	}
	return nil
}

func (d *testDelegate) OnLeave(ctx context.Context, r *Room, c *Client, consented bool) error {
	if d.onLeave != nil {
		return d.onLeave(ctx, r, c, consented)
	}
	return nil
}

func (d *testDelegate) OnDispose(ctx context.Context, r *Room) error {
	if d.onDispose != nil {
		return d.onDispose(ctx, r)
	}
	return nil
}

func (d *testDelegate) OnUncaughtException(err error, methodName string) {
	if d.onExcept != nil {
		d.onExcept(err, methodName)
	}
}

// bareDelegate implements only the required hook, so default behaviors
// (accept-all auth, disconnect-on-shutdown, log-on-exception) apply.
type bareDelegate struct{}

func (bareDelegate) OnCreate(context.Context, *Room, map[string]any) error { return nil }
