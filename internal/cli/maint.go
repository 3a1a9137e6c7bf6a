package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagizoltan/kvrepo"
)

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <tenant> <collection>",
		Short: "Rebuild index entries and remove orphans",
		Long: `Rewrite every record of a tenant's collection with freshly computed
index entries, migrating old schema versions, then delete index entries
and uniqueness guards that no record accounts for.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return withEnv(rootOpts, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
				repo, err := e.repo(args[1])
				if err != nil {
					return err
				}
				res := repo.Reindex(ctx, args[0])
				if res.IsFailure() {
					return out.Failure("reindex failed", res.Failure())
				}
				st := res.Value()
				if out.Format == "json" {
					return out.Success(st)
				}
				return out.Success(fmt.Sprintf("%d records, %d rewritten, %d orphans removed, %d failed", st.Records, st.Rewritten, st.Orphans, st.Failed))
			})
		},
	}
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	var entries bool
	cmd := &cobra.Command{
		Use:   "dump <tenant> [collection]",
		Short: "Print records and indexes in key order",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := kvrepo.DumpCollectionHeaders | kvrepo.DumpRecords | kvrepo.DumpStats | kvrepo.DumpIndexes
			if entries {
				flags |= kvrepo.DumpIndexEntries
			}
			out := rootOpts.output(cmd)
			return withEnv(rootOpts, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
				if len(args) == 1 {
					s, err := e.db.Dump(ctx, args[0], flags)
					if err != nil {
						return WrapExitError(ExitCommandError, "dump failed", err)
					}
					return out.Success(strings.TrimRight(s, "\n"))
				}
				repo, err := e.repo(args[1])
				if err != nil {
					return err
				}
				res := repo.Dump(ctx, args[0], flags)
				if res.IsFailure() {
					return out.Failure("dump failed", res.Failure())
				}
				return out.Success(strings.TrimRight(res.Value(), "\n"))
			})
		},
	}
	cmd.Flags().BoolVar(&entries, "entries", false, "include every index entry")
	return cmd
}

type statsOutput struct {
	Collection   string `json:"collection"`
	Records      int    `json:"records"`
	IndexEntries int    `json:"indexEntries"`
	Guards       int    `json:"guards"`
	DataSize     int    `json:"dataSize"`
	IndexSize    int    `json:"indexSize"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var metrics bool
	cmd := &cobra.Command{
		Use:   "stats <tenant> [collection...]",
		Short: "Count records, index entries and bytes per collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return withEnv(rootOpts, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
				names := args[1:]
				if len(names) == 0 {
					for _, coll := range e.db.Schema().Collections() {
						names = append(names, coll.Name())
					}
				}
				var rows []statsOutput
				for _, name := range names {
					repo, err := e.repo(name)
					if err != nil {
						return err
					}
					res := repo.Stats(ctx, args[0])
					if res.IsFailure() {
						return out.Failure("stats failed", res.Failure())
					}
					st := res.Value()
					rows = append(rows, statsOutput{name, st.Records, st.IndexEntries, st.Guards, st.DataSize, st.IndexSize})
				}
				if out.Format == "json" {
					return out.Success(rows)
				}
				var b strings.Builder
				fmt.Fprintf(&b, "%-24s %10s %10s %8s %12s %12s\n", "COLLECTION", "RECORDS", "ENTRIES", "GUARDS", "DATA", "INDEX")
				for _, r := range rows {
					fmt.Fprintf(&b, "%-24s %10d %10d %8d %12d %12d\n", r.Collection, r.Records, r.IndexEntries, r.Guards, r.DataSize, r.IndexSize)
				}
				if metrics {
					if err := writeMetrics(&b, e); err != nil {
						return WrapExitError(ExitCommandError, "gather metrics", err)
					}
				}
				return out.Success(strings.TrimRight(b.String(), "\n"))
			})
		},
	}
	cmd.Flags().BoolVar(&metrics, "metrics", false, "also print the operation counters of this run")
	return cmd
}

// writeMetrics prints the counters gathered while computing the stats.
func writeMetrics(b *strings.Builder, e *env) error {
	families, err := e.registry.Gather()
	if err != nil {
		return err
	}
	b.WriteString("\n")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(b, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				fmt.Fprintf(b, "%s{%s} count=%d sum=%gs\n", mf.GetName(), strings.Join(labels, ","), m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum())
			}
		}
	}
	return nil
}

type journalEntry struct {
	Record     uint64          `json:"record"`
	Time       time.Time       `json:"time"`
	Op         string          `json:"op"`
	Tenant     string          `json:"tenant"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Version    uint64          `json:"version"`
	Data       kvrepo.Document `json:"data,omitempty"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	var from uint64
	var tenant string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Replay the change journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return withEnv(rootOpts, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
				if e.journal == nil {
					return NewExitError(ExitCommandError, "journal.dir is not configured")
				}
				var entries []journalEntry
				var b strings.Builder
				err := kvrepo.ReplayChanges(e.journal, from, func(id uint64, ch *kvrepo.Change) error {
					if tenant != "" && ch.Tenant != tenant {
						return nil
					}
					if out.Format != "json" {
						fmt.Fprintf(&b, "%d %s %s\n", id, ch.Time.UTC().Format(time.RFC3339), ch.String())
						return nil
					}
					je := journalEntry{
						Record:     id,
						Time:       ch.Time.UTC(),
						Op:         ch.Op.String(),
						Tenant:     ch.Tenant,
						Collection: ch.Collection,
						ID:         ch.ID,
						Version:    uint64(ch.Version),
					}
					if ch.Op == kvrepo.OpPut {
						var doc kvrepo.Document
						if err := ch.DecodeInto(&doc); err == nil {
							je.Data = doc
						}
					}
					entries = append(entries, je)
					return nil
				})
				if err != nil {
					return WrapExitError(ExitCommandError, "journal replay failed", err)
				}
				if out.Format == "json" {
					if entries == nil {
						entries = []journalEntry{}
					}
					return out.Success(entries)
				}
				return out.Success(strings.TrimRight(b.String(), "\n"))
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "first journal record to print")
	cmd.Flags().StringVar(&tenant, "tenant", "", "only changes of this tenant")
	return cmd
}
