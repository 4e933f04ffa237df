// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/tmsync/internal/backend"
	"github.com/autobrr/tmsync/internal/buildinfo"
	"github.com/autobrr/tmsync/internal/config"
	"github.com/autobrr/tmsync/internal/session"
)

// Output formats for list and detail.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

const oneShotTimeout = time.Minute

type oneShotFlags struct {
	configDir string
	serverID  string
	output    string
}

func (f *oneShotFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	cmd.Flags().StringVar(&f.serverID, "server", "", "catalog id of the server to query (default is defaultServerId)")
	cmd.Flags().StringVarP(&f.output, "output", "o", outputTable, "output format: table, json or yaml")
}

// openAdapter builds a standalone adapter for one catalog entry.
func (f *oneShotFlags) openAdapter() (backend.Adapter, error) {
	switch f.output {
	case outputTable, outputJSON, outputYAML:
	default:
		return nil, fmt.Errorf("unsupported output %q", f.output)
	}

	cfg, err := config.New(f.configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}

	id := f.serverID
	if id == "" {
		id = cfg.Config.DefaultServerID
	}
	if id == "" {
		return nil, errors.New("no servers configured")
	}

	server, ok := cfg.Config.Server(id)
	if !ok {
		return nil, &session.UnknownServerError{ID: id}
	}

	opts := session.OptionsFromConfig(cfg.Config)
	return session.DefaultFactory(server, session.AdapterOptions{
		Timeout:         opts.RequestTimeout,
		Policy:          opts.Policy,
		FullResyncEvery: opts.FullResyncEvery,
	})
}

func RunListCommand() *cobra.Command {
	var (
		flags oneShotFlags
		state string
	)

	command := &cobra.Command{
		Use:   "list",
		Short: "Fetch the torrent list once and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter backend.State
			if state != "" {
				parsed, ok := backend.ParseState(state)
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				filter = parsed
			}

			adapter, err := flags.openAdapter()
			if err != nil {
				return err
			}
			defer adapter.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
			defer cancel()

			snap, err := adapter.FetchList(ctx)
			if err != nil {
				return errors.Wrap(err, "fetch torrent list")
			}

			torrents := make([]backend.UnifiedTorrent, 0, len(snap.Torrents))
			for _, t := range snap.Torrents {
				if filter == "" || t.State == filter {
					torrents = append(torrents, t)
				}
			}

			return writeTorrents(cmd.OutOrStdout(), flags.output, torrents)
		},
	}

	flags.register(command)
	command.Flags().StringVar(&state, "state", "", "only list torrents in this state")

	return command
}

func RunDetailCommand() *cobra.Command {
	var flags oneShotFlags

	command := &cobra.Command{
		Use:   "detail <hash>",
		Short: "Fetch and print the composed detail of one torrent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := flags.openAdapter()
			if err != nil {
				return err
			}
			defer adapter.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
			defer cancel()

			// warm the cache so the detail has a row to fall back on
			if _, err := adapter.FetchList(ctx); err != nil && backend.IsFatal(err) {
				return errors.Wrap(err, "fetch torrent list")
			}

			detail, err := adapter.FetchDetail(ctx, args[0])
			if err != nil {
				return errors.Wrapf(err, "fetch detail for %s", args[0])
			}

			return writeDetail(cmd.OutOrStdout(), flags.output, detail)
		},
	}

	flags.register(command)

	return command
}

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output %q", format)
	}
}

func writeTorrents(w io.Writer, format string, torrents []backend.UnifiedTorrent) error {
	if format != outputTable {
		return writeStructured(w, format, torrents)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Hash", "Name", "Size", "Progress", "State", "Down", "Up", "Ratio", "Category", "Tags")
	for _, t := range torrents {
		if err := table.Append([]string{
			shortHash(t.ID),
			t.Name,
			units.HumanSize(float64(t.Size)),
			fmt.Sprintf("%.1f%%", t.Progress*100),
			string(t.State),
			rate(t.DLSpeed),
			rate(t.UPSpeed),
			fmt.Sprintf("%.2f", t.Ratio),
			t.Category,
			strings.Join(t.Tags, ","),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func writeDetail(w io.Writer, format string, d *backend.UnifiedTorrentDetail) error {
	if format != outputTable {
		return writeStructured(w, format, d)
	}

	summary := tablewriter.NewWriter(w)
	rows := [][]string{
		{"Hash", d.ID},
		{"Name", d.Name},
		{"State", string(d.State)},
		{"Size", units.HumanSize(float64(d.Size))},
		{"Progress", fmt.Sprintf("%.1f%%", d.Progress*100)},
		{"Ratio", fmt.Sprintf("%.2f", d.Ratio)},
		{"Category", d.Category},
		{"Tags", strings.Join(d.Tags, ",")},
	}
	if p := d.Properties; p != nil {
		rows = append(rows,
			[]string{"Save path", p.SavePath},
			[]string{"Pieces", fmt.Sprintf("%d/%d x %s", p.PiecesHave, p.PiecesNum, units.BytesSize(float64(p.PieceSize)))},
			[]string{"Wasted", units.HumanSize(float64(p.TotalWasted))},
		)
	}
	if d.Partial {
		rows = append(rows, []string{"Unavailable", strings.Join(d.FailedSources, ",")})
	}
	for _, row := range rows {
		if err := summary.Append(row); err != nil {
			return err
		}
	}
	if err := summary.Render(); err != nil {
		return err
	}

	if len(d.Files) > 0 {
		files := tablewriter.NewWriter(w)
		files.Header("#", "File", "Size", "Progress", "Priority")
		for _, f := range d.Files {
			if err := files.Append([]string{
				fmt.Sprint(f.Index),
				f.Name,
				units.HumanSize(float64(f.Size)),
				fmt.Sprintf("%.1f%%", f.Progress*100),
				fmt.Sprint(f.Priority),
			}); err != nil {
				return err
			}
		}
		if err := files.Render(); err != nil {
			return err
		}
	}

	if len(d.Trackers) > 0 {
		trackers := tablewriter.NewWriter(w)
		trackers.Header("Tier", "Tracker", "Status", "Message")
		for _, t := range d.Trackers {
			if err := trackers.Append([]string{fmt.Sprint(t.Tier), t.URL, t.Status, t.Message}); err != nil {
				return err
			}
		}
		if err := trackers.Render(); err != nil {
			return err
		}
	}

	if len(d.Peers) > 0 {
		peers := tablewriter.NewWriter(w)
		peers.Header("Peer", "Client", "Progress", "Down", "Up")
		for _, p := range d.Peers {
			if err := peers.Append([]string{
				p.Address,
				p.Client,
				fmt.Sprintf("%.1f%%", p.Progress*100),
				rate(p.DLSpeed),
				rate(p.UPSpeed),
			}); err != nil {
				return err
			}
		}
		if err := peers.Render(); err != nil {
			return err
		}
	}

	return nil
}

func shortHash(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func rate(v int64) string {
	if v <= 0 {
		return "-"
	}
	return units.HumanSize(float64(v)) + "/s"
}
