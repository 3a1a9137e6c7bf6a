package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dagizoltan/kvrepo"
)

// pageOutput is the printed form of a page of records.
type pageOutput struct {
	Items      []*kvrepo.Document `json:"items"`
	NextCursor kvrepo.Cursor      `json:"nextCursor,omitempty"`
}

func newPageOutput(pr kvrepo.PageResult[kvrepo.Document]) pageOutput {
	items := pr.Items
	if items == nil {
		items = []*kvrepo.Document{}
	}
	return pageOutput{Items: items, NextCursor: pr.NextCursor}
}

// PageOptions holds the paging flags shared by list and query.
type PageOptions struct {
	Limit  int
	Cursor string
}

func (po *PageOptions) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&po.Limit, "limit", 0, fmt.Sprintf("page size (default %d, max %d)", kvrepo.DefaultLimit, kvrepo.MaxLimit))
	cmd.Flags().StringVar(&po.Cursor, "cursor", "", "cursor returned by the previous page")
}

func (po *PageOptions) page() kvrepo.Page {
	return kvrepo.Page{Limit: po.Limit, Cursor: kvrepo.Cursor(po.Cursor)}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	po := &PageOptions{}
	cmd := &cobra.Command{
		Use:   "list <tenant> <collection>",
		Short: "List records in id order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return withEnv(rootOpts, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
				repo, err := e.repo(args[1])
				if err != nil {
					return err
				}
				res := repo.List(ctx, args[0], po.page())
				if res.IsFailure() {
					return out.Failure("list failed", res.Failure())
				}
				return out.Success(newPageOutput(res.Value()))
			})
		},
	}
	po.register(cmd)
	return cmd
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	PageOptions
	Index    string
	Filters  []string
	Search   string
	In       []string
	Populate []string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <tenant> <collection>",
		Short: "Query records by index, filter and search",
		Long: `Query a collection.

--index name=value looks up one index value directly. Otherwise the
--filter conditions (field=value, field>=value, field<value, ...) are
combined; values are parsed as JSON when possible and as strings
otherwise. --search matches a case-insensitive substring in the --in
fields.

Examples:
  kvrepo query acme users --index email=a@example.com
  kvrepo query acme orders --filter status=open --filter 'total>=100'
  kvrepo query acme users --search ada --in name,email
  kvrepo query acme orders --filter status=open --populate customer`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd, args)
		},
	}
	opts.PageOptions.register(cmd)
	cmd.Flags().StringVar(&opts.Index, "index", "", "exact index lookup name=value")
	cmd.Flags().StringArrayVar(&opts.Filters, "filter", nil, "filter condition (repeatable)")
	cmd.Flags().StringVar(&opts.Search, "search", "", "free-text search term")
	cmd.Flags().StringSliceVar(&opts.In, "in", nil, "fields searched by --search")
	cmd.Flags().StringSliceVar(&opts.Populate, "populate", nil, "relations to resolve")
	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command, args []string) error {
	tenant, collection := args[0], args[1]
	out := opts.output(cmd)

	if opts.Index != "" {
		if len(opts.Filters) > 0 || opts.Search != "" || len(opts.Populate) > 0 {
			return NewExitError(ExitCommandError, "--index cannot be combined with --filter, --search or --populate")
		}
		name, value, ok := strings.Cut(opts.Index, "=")
		if !ok {
			return NewExitError(ExitCommandError, "--index must be name=value")
		}
		return withEnv(opts.RootOptions, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
			repo, err := e.repo(collection)
			if err != nil {
				return err
			}
			res := repo.QueryByIndex(ctx, tenant, name, parseValue(value), opts.page())
			if res.IsFailure() {
				return out.Failure("query failed", res.Failure())
			}
			return out.Success(newPageOutput(res.Value()))
		})
	}

	filter, err := parseFilters(opts.Filters)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}
	return withEnv(opts.RootOptions, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
		repo, err := e.repo(collection)
		if err != nil {
			return err
		}
		qry := kvrepo.Query{
			Filter:       filter,
			Search:       opts.Search,
			SearchFields: opts.In,
			Populate:     opts.Populate,
			Limit:        opts.Limit,
			Cursor:       kvrepo.Cursor(opts.Cursor),
		}
		res := repo.Query(ctx, tenant, qry, e.resolversFor(collection))
		if res.IsFailure() {
			return out.Failure("query failed", res.Failure())
		}
		return out.Success(newPageOutput(res.Value()))
	})
}

var filterOps = []string{">=", "<=", ">", "<", "="}

// parseFilters turns field<op>value conditions into a Filter. Several
// bound conditions on one field merge into a single Range.
func parseFilters(conds []string) (kvrepo.Filter, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	filter := make(kvrepo.Filter, len(conds))
	for _, cond := range conds {
		field, op, raw, err := splitCondition(cond)
		if err != nil {
			return nil, err
		}
		v := parseValue(raw)
		if op == "=" {
			if _, dup := filter[field]; dup {
				return nil, fmt.Errorf("%q: field %s already has a condition", cond, field)
			}
			filter[field] = v
			continue
		}
		var rng kvrepo.Range
		switch prev := filter[field].(type) {
		case nil:
		case kvrepo.Range:
			rng = prev
		default:
			return nil, fmt.Errorf("%q: field %s already has an equality condition", cond, field)
		}
		switch op {
		case ">":
			rng.Gt = v
		case ">=":
			rng.Gte = v
		case "<":
			rng.Lt = v
		case "<=":
			rng.Lte = v
		}
		filter[field] = rng
	}
	return filter, nil
}

func splitCondition(cond string) (field, op, value string, err error) {
	best := -1
	for _, candidate := range filterOps {
		i := strings.Index(cond, candidate)
		if i <= 0 {
			continue
		}
		if best == -1 || i < best || (i == best && len(candidate) > len(op)) {
			best, op = i, candidate
		}
	}
	if best == -1 {
		return "", "", "", fmt.Errorf("%q: expected field=value or a comparison", cond)
	}
	return strings.TrimSpace(cond[:best]), op, strings.TrimSpace(cond[best+len(op):]), nil
}

// parseValue reads a JSON scalar (number, bool, quoted string) and falls
// back to the raw text.
func parseValue(raw string) any {
	var v any
	if err := kvrepo.UnmarshalJSON([]byte(raw), &v); err == nil {
		switch v.(type) {
		case string, bool, float64:
			if f, ok := v.(float64); ok && f == float64(int64(f)) {
				return int64(f)
			}
			return v
		}
	}
	return raw
}
