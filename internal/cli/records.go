package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dagizoltan/kvrepo"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant> <collection> <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return withEnv(rootOpts, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
				repo, err := e.repo(args[1])
				if err != nil {
					return err
				}
				res := repo.FindByID(ctx, args[0], args[2])
				if res.IsFailure() {
					return out.Failure("get failed", res.Failure())
				}
				return out.Success(res.Value())
			})
		},
	}
}

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	ID string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <tenant> <collection> <file.json|->",
		Short: "Create or replace a record",
		Long: `Save a JSON object as a record. The record id is taken from --id, then
from the object's "id" field; when both are missing a UUIDv7 is assigned.

Examples:
  kvrepo put acme users user.json
  echo '{"email":"a@example.com"}' | kvrepo put acme users -`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(opts, cmd, args)
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "record id (overrides the id field)")
	return cmd
}

func runPut(opts *PutOptions, cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd.InOrStdin(), args[2])
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read record", err)
	}
	doc, err := parseDocument(data, opts.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid record", err)
	}

	out := opts.output(cmd)
	return withEnv(opts.RootOptions, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
		repo, err := e.repo(args[1])
		if err != nil {
			return err
		}
		res := repo.Save(ctx, args[0], &doc)
		if res.IsFailure() {
			return out.Failure("put failed", res.Failure())
		}
		return out.Success(res.Value())
	})
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

// parseDocument decodes a JSON object and makes sure it carries an id.
func parseDocument(data []byte, id string) (kvrepo.Document, error) {
	var doc kvrepo.Document
	if err := kvrepo.UnmarshalJSON(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	if raw, ok := doc["id"]; ok {
		if _, isString := raw.(string); !isString {
			return nil, fmt.Errorf("id must be a string, got %T", raw)
		}
	}
	switch {
	case id != "":
		doc["id"] = id
	case doc.ID() == "":
		u, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		doc["id"] = u.String()
	}
	return doc, nil
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant> <collection> <id>",
		Short: "Delete a record and its index entries",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			return withEnv(rootOpts, cmd.ErrOrStderr(), func(ctx context.Context, e *env) error {
				repo, err := e.repo(args[1])
				if err != nil {
					return err
				}
				res := repo.Delete(ctx, args[0], args[2])
				if res.IsFailure() {
					return out.Failure("delete failed", res.Failure())
				}
				return out.Success(fmt.Sprintf("deleted %s/%s", args[1], args[2]))
			})
		},
	}
}
