package compress

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
)

// writeStub installs a shell script that stands in for gs. The script
// receives the real pdfwrite argument list, so it recovers the output
// path from -sOutputFile= and the input path from the trailing
// positional argument before running body.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gs")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  case \"$a\" in\n" +
		"    -sOutputFile=*) out=\"${a#-sOutputFile=}\" ;;\n" +
		"    -*) ;;\n" +
		"    *) in=\"$a\" ;;\n" +
		"  esac\n" +
		"done\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newStubCompressor(t *testing.T, body string, timeout time.Duration) *Ghostscript {
	t.Helper()
	g, err := NewGhostscript(writeStub(t, body), LevelScreen, timeout, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestGhostscript_SmallerOutputWins(t *testing.T) {
	g := newStubCompressor(t, `printf 'tiny' > "$out"`, 5*time.Second)

	original := bytes.Repeat([]byte("%PDF-1.4 scanned page "), 64)
	got, err := g.Compress(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), got)
}

func TestGhostscript_NoGainKeepsOriginal(t *testing.T) {
	g := newStubCompressor(t, `cp "$in" "$out"`, 5*time.Second)

	original := bytes.Repeat([]byte("%PDF-1.4 already small "), 8)
	got, err := g.Compress(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestGhostscript_EmptyOutputKeepsOriginal(t *testing.T) {
	g := newStubCompressor(t, `: > "$out"`, 5*time.Second)

	original := []byte("%PDF-1.4 content")
	got, err := g.Compress(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestGhostscript_FailureSurfaces(t *testing.T) {
	g := newStubCompressor(t, `echo "ioerror" >&2; exit 3`, 5*time.Second)

	_, err := g.Compress(context.Background(), []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeCompressFailed, cerrors.GetCode(err))
	assert.Contains(t, err.Error(), "ioerror")
}

func TestGhostscript_TimeoutKillsProcess(t *testing.T) {
	g := newStubCompressor(t, `sleep 5; cp "$in" "$out"`, 100*time.Millisecond)

	start := time.Now()
	_, err := g.Compress(context.Background(), []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeCompressFailed, cerrors.GetCode(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewGhostscript_RejectsUnknownLevel(t *testing.T) {
	_, err := NewGhostscript("/usr/bin/gs", "ultra", 0, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeInvalidConfig, cerrors.GetCode(err))
}

func TestNewGhostscript_Defaults(t *testing.T) {
	g, err := NewGhostscript(writeStub(t, `cp "$in" "$out"`), "", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, LevelScreen, g.level)
	assert.Equal(t, DefaultTimeout, g.timeout)
}

func TestPassthrough_ReturnsInputUnchanged(t *testing.T) {
	data := []byte("%PDF-1.4 untouched")
	got, err := Passthrough{}.Compress(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
