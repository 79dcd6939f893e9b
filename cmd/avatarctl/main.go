// Command avatarctl talks to a running avatar server from the terminal: it uploads a
// recorded utterance, prints the turn's events and plays the reply chunks in order.
package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"
)

// Options is the root command. The struct tags are interpreted by go-flags.
type Options struct {
	Server  string `short:"s" long:"server" env:"AVATAR_SERVER" default:"http://localhost:8080" description:"server base URL"`
	Token   string `short:"t" long:"token" env:"AUTH_TOKEN" description:"shared API token"`
	Verbose bool   `short:"v" long:"verbose" description:"debug logging"`

	Talk     *TalkCmd     `command:"talk" description:"Stream one turn and play the reply chunks as they arrive"`
	Converse *ConverseCmd `command:"converse" description:"Run one turn on the blocking endpoint and print the result"`
	Cancel   *CancelCmd   `command:"cancel" description:"Cancel the active turn of a session"`
}

var opts Options

func main() {
	opts.Talk = &TalkCmd{}
	opts.Converse = &ConverseCmd{}
	opts.Cancel = &CancelCmd{}

	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
