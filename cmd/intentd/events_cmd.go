package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the NDJSON event log written with --event-log",
	}
	cmd.AddCommand(newEventsTailCommand())
	return cmd
}

func newEventsTailCommand() *cobra.Command {
	var follow bool
	var last int
	cmd := &cobra.Command{
		Use:   "tail <event-log-path>",
		Short: "Print events from an event log, optionally following appends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			if info, err := f.Stat(); err == nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
			}

			out := cmd.OutOrStdout()
			if err := printEvents(out, f, last); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followEvents(cmd, f, path)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep the log open and print events as they are appended")
	cmd.Flags().IntVarP(&last, "last", "n", 0, "only print the final n events of the existing log (0 prints all)")
	return cmd
}

// printEvents copies complete NDJSON lines from r to out. Lines that do not
// parse as JSON are skipped; a partially-appended final line is pushed back by
// the caller via the retained file offset.
func printEvents(out io.Writer, r io.Reader, last int) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || !json.Valid([]byte(line)) {
			continue
		}
		if last > 0 {
			lines = append(lines, line)
			if len(lines) > last {
				lines = lines[1:]
			}
			continue
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

func followEvents(cmd *cobra.Command, f *os.File, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || !event.Has(fsnotify.Write) {
				continue
			}
			if err := printEvents(out, f, 0); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
		}
	}
}
