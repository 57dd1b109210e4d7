// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigrun-chatd/internal/model"
	"github.com/jeranaias/rigrun-chatd/internal/storage"
	"github.com/jeranaias/rigrun-chatd/internal/util"
)

// ChatExport is the document written by `chats export`.
type ChatExport struct {
	ID    string       `json:"id" yaml:"id"`
	Name  string       `json:"name" yaml:"name"`
	Turns []model.Turn `json:"turns" yaml:"turns"`
}

func newChatsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Inspect stored chats without starting the server",
	}
	cmd.AddCommand(newChatsListCmd(opts))
	cmd.AddCommand(newChatsExportCmd(opts))
	return cmd
}

// openStore opens the configured store read-write; the server must not be
// running against the same directory with the sqlite backend.
func (o *options) openStore() (storage.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Options{Backend: cfg.Storage.Backend, Dir: cfg.Storage.Dir})
}

func newChatsListCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chats with their turn counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			summaries, err := store.ListSummaries()
			if err != nil {
				return err
			}
			if summaries == nil {
				summaries = []model.ChatSummary{}
			}
			if asJSON {
				enc := json.NewEncoder(opts.out)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}

			if len(summaries) == 0 {
				fmt.Fprintln(opts.out, "No chats.")
				return nil
			}
			fmt.Fprintf(opts.out, "%-36s  %5s  %s\n", "ID", "TURNS", "NAME")
			for _, s := range summaries {
				turns, err := store.LoadHistory(s.ID)
				count := fmt.Sprintf("%d", len(turns))
				if err != nil {
					count = "?"
				}
				fmt.Fprintf(opts.out, "%-36s  %5s  %s\n", s.ID, count, util.TruncateRunes(s.Name, 48))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the index as JSON")
	return cmd
}

func newChatsExportCmd(opts *options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Print one chat with its full history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(format)
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q: must be json or yaml", format)
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			doc, err := exportChat(store, args[0])
			if err != nil {
				return err
			}

			if format == "yaml" {
				enc := yaml.NewEncoder(opts.out)
				enc.SetIndent(2)
				if err := enc.Encode(doc); err != nil {
					return err
				}
				return enc.Close()
			}
			enc := json.NewEncoder(opts.out)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

// exportChat looks id up in the index and loads its turns.
func exportChat(store storage.Store, id string) (*ChatExport, error) {
	summaries, err := store.ListSummaries()
	if err != nil {
		return nil, err
	}
	for _, s := range summaries {
		if s.ID != id {
			continue
		}
		turns, err := store.LoadHistory(id)
		if err != nil {
			return nil, err
		}
		return &ChatExport{ID: s.ID, Name: s.Name, Turns: model.CloneTurns(turns)}, nil
	}
	return nil, fmt.Errorf("chat %s not found", id)
}
