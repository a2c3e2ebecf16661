package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/knowledge"
	"github.com/BTreeMap/SpinPipe/internal/lockfile"
	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"github.com/spf13/cobra"
)

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, config *Config, fn func(ctx context.Context, st store.Store) error) error {
	st, err := openStore(*config)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// =============================================================================
// ASSISTANTS
// =============================================================================

func newAssistantsCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistants",
		Short: "Manage the assistant allow-list",
		Long: `Manage the sales assistants allowed to use the chat transports.

The id is the Telegram numeric user id, or the digits of the WhatsApp phone number.`,
	}

	add := &cobra.Command{
		Use:   "add <id> [name]",
		Short: "Allow an assistant",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := models.Assistant{ID: strings.TrimSpace(args[0])}
			if len(args) > 1 {
				a.Name = args[1]
			}
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				if err := st.AddAssistant(ctx, a); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Assistant %s added\n", a.ID)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Revoke an assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				if err := st.RemoveAssistant(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Assistant %s removed\n", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List allowed assistants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				assistants, err := st.ListAssistants(ctx)
				if err != nil {
					return err
				}
				if len(assistants) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No assistants registered.")
					return nil
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tNAME\tADDED")
				for _, a := range assistants {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", a.ID, a.Name, formatTime(a.AddedAt))
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

// =============================================================================
// KNOWLEDGE
// =============================================================================

func newKnowledgeCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Import and inspect knowledge blocks",
		Long: `Manage the reference text placed at the top of every prompt.

Subcommands:
  import    - Import a .txt, .md or .pdf file as a knowledge block
  list      - List knowledge blocks
  show      - Print the active knowledge block
  activate  - Make a stored block the active one`,
	}

	var title string
	var inactive bool
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a knowledge file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				block, err := knowledge.NewImporter(st).ImportFile(ctx, args[0], title, !inactive)
				if err != nil {
					return err
				}
				state := "active"
				if inactive {
					state = "inactive"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported knowledge block %d (%s, %d characters, %s)\n", block.ID, block.Title, len(block.Content), state)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&title, "title", "", "block title (default: file name)")
	importCmd.Flags().BoolVar(&inactive, "no-activate", false, "store the block without activating it")

	list := &cobra.Command{
		Use:   "list",
		Short: "List knowledge blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				blocks, err := st.ListKnowledgeBlocks(ctx)
				if err != nil {
					return err
				}
				if len(blocks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No knowledge blocks.")
					return nil
				}
				active, err := st.ActiveKnowledge(ctx)
				if err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tTITLE\tLENGTH\tUPDATED\tACTIVE")
				for _, b := range blocks {
					mark := ""
					if active != nil && active.ID == b.ID {
						mark = "*"
					}
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", b.ID, b.Title, len(b.Content), formatTime(b.UpdatedAt), mark)
				}
				return tw.Flush()
			})
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active knowledge block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				block, err := st.ActiveKnowledge(ctx)
				if err != nil {
					return err
				}
				if block == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No active knowledge block.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# %s (id %d)\n\n%s\n", block.Title, block.ID, block.Content)
				return nil
			})
		},
	}

	activate := &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a stored knowledge block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid knowledge block id %q", args[0])
			}
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				if err := st.SetActiveKnowledge(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Knowledge block %d is now active\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(importCmd, list, show, activate)
	return cmd
}

// =============================================================================
// SEED
// =============================================================================

func newSeedCmd(config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Register assistants and import knowledge files from a YAML seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := knowledge.LoadSeed(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				if err := knowledge.ApplySeed(ctx, st, seed, filepath.Dir(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seed applied: %d assistants, %d knowledge files\n", len(seed.Assistants), len(seed.Knowledge))
				return nil
			})
		},
	}
}

// =============================================================================
// CLIENTS
// =============================================================================

func newClientsCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect known clients",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List clients, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				clients, err := st.ListClients(ctx, limit)
				if err != nil {
					return err
				}
				if len(clients) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No clients yet.")
					return nil
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "EXTERNAL ID\tNAME\tSTAGE\tCREATED")
				for _, c := range clients {
					stage := models.DefaultStage
					if rec, err := st.GetStage(ctx, c.ID); err != nil {
						return err
					} else if rec != nil {
						stage = rec.Stage
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ExternalID, c.Name, stage, formatTime(c.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of clients (0 for all)")

	var historyLimit int
	show := &cobra.Command{
		Use:   "show <external id>",
		Short: "Show a client's stage and conversation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				c, err := st.GetClientByExternalID(ctx, args[0])
				if err != nil {
					return err
				}
				if c == nil {
					return fmt.Errorf("client not found: %s", args[0])
				}
				stage := models.DefaultStage
				if rec, err := st.GetStage(ctx, c.ID); err != nil {
					return err
				} else if rec != nil {
					stage = rec.Stage
				}
				msgs, err := st.RecentMessages(ctx, c.ID, historyLimit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Client %s (%s)\nStage: %s\n\n", c.ExternalID, c.Name, stage.Label())
				for _, m := range msgs {
					fmt.Fprintf(out, "[%s] %s: %s\n", formatTime(m.CreatedAt), m.Author, m.Text)
				}
				return nil
			})
		},
	}
	show.Flags().IntVar(&historyLimit, "messages", 20, "number of recent messages to print (0 for all)")

	cmd.AddCommand(list, show)
	return cmd
}

// =============================================================================
// STATUS
// =============================================================================

func newStatusCmd(config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state directory lock holder and store contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State directory: %s\n", config.StateDir)
			holder, err := lockfile.Inspect(config.StateDir)
			if err != nil {
				return err
			}
			if holder == nil {
				fmt.Fprintln(out, "Server: not running")
			} else {
				fmt.Fprintf(out, "Server: %s\n", holder)
			}
			return withStore(cmd, config, func(ctx context.Context, st store.Store) error {
				assistants, err := st.ListAssistants(ctx)
				if err != nil {
					return err
				}
				clients, err := st.ListClients(ctx, 0)
				if err != nil {
					return err
				}
				active, err := st.ActiveKnowledge(ctx)
				if err != nil {
					return err
				}
				knowledgeTitle := "none"
				if active != nil {
					knowledgeTitle = fmt.Sprintf("%s (id %d)", active.Title, active.ID)
				}
				fmt.Fprintf(out, "Assistants: %d\nClients: %d\nActive knowledge: %s\n", len(assistants), len(clients), knowledgeTitle)
				return nil
			})
		},
	}
}
