// Package media stitches per-chunk avatar videos into a single reply video with ffmpeg.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/storage"
)

var ErrNoInputs = errors.New("media: nothing to concatenate")

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Concatenator struct {
	log        *logger.Logger
	store      storage.Store
	ffmpegPath string
	workRoot   string
	timeout    time.Duration
	run        Runner
}

func NewConcatenator(store storage.Store, ffmpegPath string, log *logger.Logger) *Concatenator {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Concatenator{
		log:        logger.OrNop(log).With("service", "Concatenator"),
		store:      store,
		ffmpegPath: ffmpegPath,
		workRoot:   filepath.Join(os.TempDir(), "avatar-runtime-media"),
		timeout:    5 * time.Minute,
		run:        execRunner,
	}
}

// AssertReady checks that ffmpeg can be found.
func (c *Concatenator) AssertReady() error {
	if _, err := exec.LookPath(c.ffmpegPath); err != nil {
		return fmt.Errorf("missing required binary %q in PATH: %w", c.ffmpegPath, err)
	}
	return nil
}

// Concat joins the videos behind refs, in order, and stores the result. A single input is
// returned unchanged.
func (c *Concatenator) Concat(ctx context.Context, refs []string) (string, error) {
	switch len(refs) {
	case 0:
		return "", ErrNoInputs
	case 1:
		return refs[0], nil
	}

	if err := os.MkdirAll(c.workRoot, 0o755); err != nil {
		return "", fmt.Errorf("mkdir workRoot: %w", err)
	}
	dir, err := os.MkdirTemp(c.workRoot, "concat-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, ref := range refs {
		data, err := c.store.Get(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("media: fetch chunk %d: %w", i, err)
		}
		p := filepath.Join(dir, fmt.Sprintf("chunk_%03d.mp4", i))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return "", err
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	listPath := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return "", err
	}

	outPath := filepath.Join(dir, "final.mp4")
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", outPath}
	if out, err := c.run(ctx, c.ffmpegPath, args...); err != nil {
		return "", fmt.Errorf("ffmpeg concat failed: %w; out=%s", err, string(out))
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		return "", fmt.Errorf("concat output missing at %s", outPath)
	}
	ref, err := c.store.Put(ctx, storage.NewKey("final", "mp4"), "video/mp4", data)
	if err != nil {
		return "", err
	}
	c.log.Info("videos concatenated", "inputs", len(refs), "bytes", len(data), "elapsed", time.Since(start))
	return ref, nil
}
