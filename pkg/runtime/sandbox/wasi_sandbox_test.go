package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWasiSandbox_DenyByDefaultRejectsGarbageModule(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MemoryLimitBytes: 16 * 1024 * 1024,
		CPUTimeLimit:     2 * time.Second,
	}

	sb, err := NewWasiSandbox(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = sb.Close(ctx) }()

	_, err = sb.RunBytes(ctx, []byte("not a wasm module"), []byte("hello"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "compile module")
}

func TestWasiSandbox_CloseSucceeds(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MemoryLimitBytes: 8 * 1024 * 1024, CPUTimeLimit: 5 * time.Second}

	sb, err := NewWasiSandbox(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, sb.Close(ctx))
}

func TestInProcessSandbox_EchoesInput(t *testing.T) {
	ctx := context.Background()
	sb := NewInProcessSandbox()

	out, err := sb.RunBytes(ctx, nil, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "echo: hello", string(out))
}

func TestInProcessSandbox_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sb := NewInProcessSandbox()

	_, err := sb.RunBytes(ctx, nil, []byte("hello"))
	require.Error(t, err)
}
