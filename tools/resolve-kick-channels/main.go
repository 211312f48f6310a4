package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/john/chatmux/internal/kick"
	"github.com/john/chatmux/internal/logs"
)

func main() {
	cmd := &cli.Command{
		Name:      "resolve-kick-channels",
		Usage:     "Look up Kick chatroom ids to pin in config.yaml",
		ArgsUsage: "<channel1> [channel2] ...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "yaml",
				Usage:   "Output format: yaml (config snippet) or json",
			},
			&cli.StringFlag{
				Name:  "site-url",
				Value: kick.DefaultSiteURL,
				Usage: "Kick website API base URL",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "Per-channel lookup timeout",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("resolve-kick-channels: %v", err)
		os.Exit(1)
	}
}

type result struct {
	Slug       string `json:"slug"`
	ChatroomID int    `json:"chatroom_id,omitempty"`
	UserID     int    `json:"user_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func run(ctx context.Context, cmd *cli.Command) error {
	slugs := cmd.Args().Slice()
	if len(slugs) == 0 {
		return errors.New("at least one channel is required")
	}
	format := strings.ToLower(cmd.String("format"))
	if format != "yaml" && format != "json" {
		return fmt.Errorf("unknown format %q", format)
	}

	resolver := kick.NewHTTPResolver()
	resolver.BaseURL = cmd.String("site-url")

	results := make([]result, 0, len(slugs))
	for _, slug := range slugs {
		lookupCtx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
		ch, err := resolver.ResolveChatroom(lookupCtx, slug)
		cancel()
		r := result{Slug: strings.ToLower(slug)}
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Slug, r.ChatroomID, r.UserID = ch.Slug, ch.ChatroomID, ch.UserID
		}
		results = append(results, r)
	}

	var failed int
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Fprintf(os.Stderr, "✗ %s: %s\n", r.Slug, r.Error)
		}
	}

	if format == "json" {
		err := writeJSON(os.Stdout, results)
		if err == nil && failed == len(results) {
			err = errors.New("no channel resolved")
		}
		return err
	}
	if failed == len(results) {
		return errors.New("no channel resolved")
	}
	return writeConfigSnippet(os.Stdout, results)
}

func writeJSON(w io.Writer, results []result) error {
	data, err := sonic.ConfigStd.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// writeConfigSnippet prints the kick section to paste into config.yaml
func writeConfigSnippet(w io.Writer, results []result) error {
	var snippet struct {
		Kick struct {
			Channels  []string       `yaml:"channels"`
			Chatrooms map[string]int `yaml:"chatrooms"`
		} `yaml:"kick"`
	}
	snippet.Kick.Chatrooms = make(map[string]int)
	for _, r := range results {
		if r.Error != "" {
			continue
		}
		snippet.Kick.Channels = append(snippet.Kick.Channels, r.Slug)
		snippet.Kick.Chatrooms[r.Slug] = r.ChatroomID
	}
	slices.Sort(snippet.Kick.Channels)

	data, err := yaml.Marshal(&snippet)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Add this to your config.yaml:")
	fmt.Fprintln(w, "---")
	_, err = w.Write(data)
	return err
}
