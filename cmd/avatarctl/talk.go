package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/chadiek/avatar-runtime/internal/client"
	"github.com/chadiek/avatar-runtime/internal/event"
	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/playback"
)

// turnFlags are shared by the commands that upload an utterance.
type turnFlags struct {
	Language string `short:"l" long:"language" description:"language hint, empty for auto-detect"`
	Session  string `long:"session" description:"session id to continue a conversation"`
	Args     struct {
		Audio string `positional-arg-name:"AUDIO" required:"yes" description:"recorded utterance (WAV)"`
	} `positional-args:"yes"`
}

func (f turnFlags) upload() (client.Upload, error) {
	data, err := os.ReadFile(f.Args.Audio)
	if err != nil {
		return client.Upload{}, err
	}
	return client.Upload{
		Audio:     data,
		Filename:  filepath.Base(f.Args.Audio),
		Language:  f.Language,
		SessionID: f.Session,
	}, nil
}

type TalkCmd struct {
	turnFlags
	Out         string        `short:"o" long:"out" default:"avatar-chunks" description:"directory chunk videos are downloaded to"`
	Player      []string      `short:"p" long:"player" description:"player command; the chunk path is appended (repeat for arguments)"`
	LoadTimeout time.Duration `long:"load-timeout" default:"30s" description:"skip a chunk that is not ready in time"`
}

func (c *TalkCmd) Execute(args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	up, err := c.upload()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Out, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	cl := client.New(opts.Server, opts.Token)

	player := &filePlayer{client: cl, dir: c.Out, command: c.Player, out: os.Stdout}
	queue := playback.NewQueue(player, playback.Options{
		LoadTimeout: c.LoadTimeout,
		OnSkip: func(index int, err error) {
			fmt.Fprintf(os.Stdout, "  chunk %d skipped: %v\n", index, err)
		},
	}, log)
	ctrl := playback.NewController(queue, terminalView{out: os.Stdout}, log)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	if err := ctrl.Begin(cancelStream); err != nil {
		return err
	}
	latency := firstChunkClock{out: os.Stdout, started: time.Now()}
	stream, err := cl.StartTurn(streamCtx, up)
	if err != nil {
		return err
	}
	defer stream.Close()
	fmt.Fprintf(os.Stdout, "session %s turn %s\n", stream.SessionID, stream.TurnID)

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupt(cl, ctrl, stream.SessionID)
			}
			return err
		}
		latency.observe(ev, time.Now())
		ctrl.OnEvent(ev)
		if event.Terminal(ev) {
			break
		}
	}

	if ctrl.Live() {
		// a stream cut short still plays what arrived
		queue.Finish()
		if err := queue.Wait(ctx); err != nil {
			return c.interrupt(cl, ctrl, stream.SessionID)
		}
	}
	if played := queue.Played(); len(played) > 0 || ctrl.ExpectedChunks() >= 0 {
		fmt.Fprintf(os.Stdout, "played chunks %v\n", played)
		if err := ctrl.CheckPlayed(); err != nil {
			log.Warn("playback incomplete", "error", err)
			fmt.Fprintf(os.Stdout, "  %v\n", err)
		}
	}
	if msg := ctrl.Err(); msg != "" {
		return errors.New(msg)
	}
	return nil
}

// firstChunkClock reports the time from upload to the first chunk event, once per turn.
type firstChunkClock struct {
	out     io.Writer
	started time.Time
	seen    bool
}

func (c *firstChunkClock) observe(ev event.Event, now time.Time) {
	if _, ok := ev.(event.Chunk); !ok || c.seen {
		return
	}
	c.seen = true
	fmt.Fprintf(c.out, "first chunk after %s\n", now.Sub(c.started).Round(time.Millisecond))
}

// interrupt cancels the server-side turn after Ctrl-C.
func (c *TalkCmd) interrupt(cl *client.Client, ctrl *playback.Controller, sessionID string) error {
	ctrl.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Cancel(ctx, sessionID); err != nil {
		return fmt.Errorf("interrupted; cancel failed: %w", err)
	}
	return errors.New("interrupted")
}

type ConverseCmd struct {
	turnFlags
}

func (c *ConverseCmd) Execute(args []string) error {
	up, err := c.upload()
	if err != nil {
		return err
	}
	res, err := client.New(opts.Server, opts.Token).Converse(context.Background(), up)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

type CancelCmd struct {
	Args struct {
		Session string `positional-arg-name:"SESSION" required:"yes"`
	} `positional-args:"yes"`
}

func (c *CancelCmd) Execute(args []string) error {
	if err := client.New(opts.Server, opts.Token).Cancel(context.Background(), c.Args.Session); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "cancelled %s\n", c.Args.Session)
	return nil
}

func newLogger() (*logger.Logger, error) {
	if !opts.Verbose {
		return logger.Nop(), nil
	}
	return logger.New("dev")
}
