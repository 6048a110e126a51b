// Package compress shrinks PDF blobs before they enter the archive.
//
// The portal serves scanned orders that Ghostscript can often rewrite
// to a fraction of their size. Compression is strictly best-effort:
// when Compress returns an error the caller archives the original
// bytes, so a missing gs binary or a malformed PDF never blocks a
// download from being stored.
package compress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/juddata/courtarchive/internal/errors"
)

// Quality levels understood by Ghostscript's pdfwrite device, ordered
// roughly from smallest output to highest fidelity.
const (
	LevelScreen   = "screen"
	LevelEbook    = "ebook"
	LevelPrinter  = "printer"
	LevelPrepress = "prepress"
	LevelDefault  = "default"
)

// DefaultTimeout bounds a single Ghostscript invocation. Court orders
// run to a few hundred scanned pages at most; an invocation slower
// than this is stuck, not working.
const DefaultTimeout = 120 * time.Second

// Compressor transforms a blob into a smaller representation of
// itself. The returned bytes must remain a valid document of the same
// format. On error callers keep the original bytes.
type Compressor interface {
	Compress(ctx context.Context, data []byte) ([]byte, error)
}

// Passthrough returns blobs unchanged. It stands in for Ghostscript
// when the binary is unavailable or compression is disabled.
type Passthrough struct{}

// Compress returns data as-is.
func (Passthrough) Compress(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

// Ghostscript compresses PDFs by round-tripping them through the
// pdfwrite device in a scratch directory. If the rewrite does not come
// out smaller the original bytes are returned untouched.
type Ghostscript struct {
	binary  string
	level   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGhostscript validates the quality level and locates the gs
// binary. An empty binary path searches PATH; an empty level selects
// LevelScreen, which is what scanned court orders tolerate best. The
// returned error is a config error, so callers can degrade to
// Passthrough instead of failing startup.
func NewGhostscript(binary, level string, timeout time.Duration, logger *zap.Logger) (*Ghostscript, error) {
	if level == "" {
		level = LevelScreen
	}
	switch level {
	case LevelScreen, LevelEbook, LevelPrinter, LevelPrepress, LevelDefault:
	default:
		return nil, cerrors.New(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig,
			fmt.Sprintf("unknown pdf compression level %q", level))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if binary == "" {
		path, err := exec.LookPath("gs")
		if err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig,
				"ghostscript binary not found in PATH", err)
		}
		binary = path
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ghostscript{
		binary:  binary,
		level:   level,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Compress rewrites a PDF through Ghostscript and returns whichever of
// the two representations is smaller.
func (g *Ghostscript) Compress(ctx context.Context, data []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "courtarchive-gs-")
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryArchive, cerrors.CodeCompressFailed,
			"create scratch directory", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.pdf")
	out := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryArchive, cerrors.CodeCompressFailed,
			"stage pdf for ghostscript", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.binary,
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dPDFSETTINGS=/"+g.level,
		"-dNOPAUSE",
		"-dBATCH",
		"-dQUIET",
		"-sOutputFile="+out,
		in,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Ghostscript forks helpers; children holding the stderr pipe
	// must not stretch the timeout while Wait drains it.
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		msg := "ghostscript failed"
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg = fmt.Sprintf("ghostscript failed: %s", s)
		}
		return nil, cerrors.Wrap(cerrors.ErrCategoryArchive, cerrors.CodeCompressFailed, msg, err)
	}

	compressed, err := os.ReadFile(out)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryArchive, cerrors.CodeCompressFailed,
			"read ghostscript output", err)
	}
	if len(compressed) == 0 || len(compressed) >= len(data) {
		g.logger.Debug("pdf rewrite gained nothing, keeping original",
			zap.Int("original_bytes", len(data)),
			zap.Int("rewritten_bytes", len(compressed)))
		return data, nil
	}

	g.logger.Debug("compressed pdf",
		zap.Int("original_bytes", len(data)),
		zap.Int("compressed_bytes", len(compressed)))
	return compressed, nil
}
