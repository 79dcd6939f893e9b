package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sync"

	"github.com/chadiek/avatar-runtime/internal/client"
	"github.com/chadiek/avatar-runtime/internal/event"
)

// filePlayer downloads each chunk on Load and hands it to an external player on Play.
// Without a player command, Play only reports the file.
type filePlayer struct {
	client  *client.Client
	dir     string
	command []string
	out     io.Writer

	mu    sync.Mutex
	files map[int]string
}

func (p *filePlayer) Load(ctx context.Context, c event.Chunk) error {
	ext := path.Ext(c.VideoRef)
	if ext == "" || len(ext) > 5 {
		ext = ".mp4"
	}
	name := filepath.Join(p.dir, fmt.Sprintf("chunk_%03d%s", c.Index, ext))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err := p.client.Download(ctx, c.VideoRef, f); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.files == nil {
		p.files = map[int]string{}
	}
	p.files[c.Index] = name
	p.mu.Unlock()
	return nil
}

func (p *filePlayer) Play(ctx context.Context, c event.Chunk) error {
	p.mu.Lock()
	name := p.files[c.Index]
	p.mu.Unlock()
	fmt.Fprintf(p.out, "▶ chunk %d  %q  %s\n", c.Index, c.Text, name)
	if len(p.command) == 0 {
		return nil
	}
	args := append(append([]string(nil), p.command[1:]...), name)
	cmd := exec.CommandContext(ctx, p.command[0], args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}

type terminalView struct {
	out io.Writer
}

func (v terminalView) Transcript(text, language string) {
	fmt.Fprintf(v.out, "you (%s): %s\n", language, text)
}

func (v terminalView) Reply(text string) {
	fmt.Fprintf(v.out, "avatar: %s\n", text)
}

func (v terminalView) Notice(message string, fatal bool) {
	if fatal {
		fmt.Fprintf(v.out, "error: %s\n", message)
		return
	}
	fmt.Fprintf(v.out, "warning: %s\n", message)
}
