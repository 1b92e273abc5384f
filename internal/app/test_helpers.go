package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// SetupAppTest writes pipelineHCL to a temporary directory and creates an app
// for it with its own temporary state directory. The app is closed when the
// test ends.
func SetupAppTest(t *testing.T, pipelineHCL string, opts ...Option) (*App, *SafeBuffer) {
	t.Helper()

	dir := t.TempDir()
	pipelinePath := filepath.Join(dir, "pipeline.hcl")
	if err := os.WriteFile(pipelinePath, []byte(pipelineHCL), 0o644); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}
	cfg, err := NewConfig(Config{
		PipelinePath: pipelinePath,
		StateDir:     filepath.Join(dir, "state"),
		LogLevel:     "debug",
	})
	if err != nil {
		t.Fatalf("invalid config: %v", err)
	}

	logBuffer := &SafeBuffer{}
	testApp, err := NewApp(context.Background(), logBuffer, cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	t.Cleanup(func() {
		_ = testApp.Close()
		if os.Getenv("GRIDCHAIN_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})

	return testApp, logBuffer
}
