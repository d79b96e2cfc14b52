package provider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airouter/internal/llmerr"
)

func testCatalog() *Catalog {
	return NewCatalog([]ModelDescriptor{
		{ID: "tiny", Framework: KindLocalSubprocess, Path: "tiny.gguf"},
		{ID: "remote-only", Framework: KindHTTPAPI, RemoteID: "remote-only"},
	})
}

func newTestSubprocess(t *testing.T, binary string) *SubprocessProvider {
	t.Helper()
	p, err := NewRegistry().Build(KindLocalSubprocess, "local", map[string]interface{}{
		"binary_path": binary,
		"models_dir":  "/models",
	}, Deps{Catalog: testCatalog()})
	require.NoError(t, err)
	return p.(*SubprocessProvider)
}

func TestBuildArgvExplicitVector(t *testing.T) {
	p := newTestSubprocess(t, "llama-cli")

	argv, err := p.buildArgv(Request{
		ModelID: "tiny",
		Prompt:  "hello; rm -rf / #", // hostile input stays a single argv element
		Parameters: map[string]interface{}{
			"temperature": 0.5,
			"max_tokens":  32,
			"stop":        []string{"###"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "-m", argv[0])
	assert.Equal(t, filepath.Join("/models", "tiny.gguf"), argv[1])
	assert.Equal(t, "-p", argv[2])
	assert.Equal(t, "hello; rm -rf / #", argv[3])
	assert.Contains(t, argv, "--temp")
	assert.Contains(t, argv, "0.5")
	assert.Contains(t, argv, "-n")
	assert.Contains(t, argv, "32")
	assert.Contains(t, argv, "-r")
	assert.Contains(t, argv, "###")
}

func TestBuildArgvRejectsUnknownParameter(t *testing.T) {
	p := newTestSubprocess(t, "llama-cli")

	_, err := p.buildArgv(Request{
		ModelID:    "tiny",
		Prompt:     "hi",
		Parameters: map[string]interface{}{"jinja": true},
	})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindInvalidParameter, llmerr.KindOf(err))
}

func TestBuildArgvModelNotFound(t *testing.T) {
	p := newTestSubprocess(t, "llama-cli")

	_, err := p.buildArgv(Request{ModelID: "nope", Prompt: "hi"})
	assert.Equal(t, llmerr.KindNotFound, llmerr.KindOf(err))

	// Wrong framework is also NotFound for this provider.
	_, err = p.buildArgv(Request{ModelID: "remote-only", Prompt: "hi"})
	assert.Equal(t, llmerr.KindNotFound, llmerr.KindOf(err))
}

func TestSubprocessExecuteEcho(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("echo semantics differ on windows")
	}
	p := newTestSubprocess(t, "echo")

	resp, err := p.Execute(context.Background(), Request{ModelID: "tiny", Prompt: "hello"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "hello")
	assert.Equal(t, "local", resp.ProviderName)
	assert.Equal(t, "tiny", resp.ModelID)
}

func TestSubprocessExecuteNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	script := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755))

	p := newTestSubprocess(t, script)
	_, err := p.Execute(context.Background(), Request{ModelID: "tiny", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindModelError, llmerr.KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestSubprocessExecuteDeadlineKillsChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	script := filepath.Join(t.TempDir(), "slow.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 10\n"), 0o755))

	p := newTestSubprocess(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Execute(ctx, Request{ModelID: "tiny", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindTimeout, llmerr.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStreamCancelWithAbandonedReaderFreesSlot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	script := filepath.Join(t.TempDir(), "chatty.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nwhile :; do echo chunk; sleep 0.05; done\n"), 0o755))

	built, err := NewRegistry().Build(KindLocalSubprocess, "local", map[string]interface{}{
		"binary_path": script,
		"models_dir":  "/models",
		"slots":       1,
	}, Deps{Catalog: testCatalog()})
	require.NoError(t, err)
	p := built.(*SubprocessProvider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := p.StreamExecute(ctx, Request{ModelID: "tiny", Prompt: "hi"})
	require.NoError(t, err)

	// Take one chunk, then cancel and walk away without draining.
	<-events
	cancel()

	// The producer must exit on its own: the slot frees and the channel
	// closes even with no reader attached.
	require.Eventually(t, func() bool {
		if !p.slots.TryAcquire(1) {
			return false
		}
		p.slots.Release(1)
		return true
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		select {
		case _, open := <-events:
			return !open
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSubprocessValidateConfig(t *testing.T) {
	good := newTestSubprocess(t, "echo")
	assert.NoError(t, good.ValidateConfig(context.Background()))

	bad := newTestSubprocess(t, "definitely-not-a-binary-xyz")
	err := bad.ValidateConfig(context.Background())
	require.Error(t, err)
	assert.Equal(t, llmerr.KindConnection, llmerr.KindOf(err))
}

func TestChildEnvFiltersSecrets(t *testing.T) {
	t.Setenv("SUPER_SECRET_TOKEN", "hunter2")
	for _, kv := range childEnv() {
		assert.NotContains(t, kv, "SUPER_SECRET_TOKEN")
	}
}
