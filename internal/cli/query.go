package cli

import (
	"context"

	"github.com/Konsultn-Engineering/datamapper/config"
	"github.com/Konsultn-Engineering/datamapper/connector"
	"github.com/Konsultn-Engineering/datamapper/engine"
	"github.com/Konsultn-Engineering/datamapper/mapping"
	"github.com/spf13/cobra"
)

type queryOptions struct {
	param  string
	skip   int
	max    int
	object bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &queryOptions{}
	cmd := &cobra.Command{
		Use:   "query <settings.yaml> <statement>",
		Short: "Run a select statement and print its rows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(rootOpts, opts, cmd, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&opts.param, "param", "p", "", "parameter as JSON")
	cmd.Flags().IntVar(&opts.skip, "skip", 0, "rows to skip")
	cmd.Flags().IntVar(&opts.max, "max", 0, "maximum rows to return (0: all)")
	cmd.Flags().BoolVar(&opts.object, "object", false, "expect a single row")
	return cmd
}

func runQuery(rootOpts *RootOptions, opts *queryOptions, cmd *cobra.Command, path, id string) error {
	param, err := parseParam(opts.param)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, conn, err := open(ctx, rootOpts, cmd, path)
	if err != nil {
		return err
	}
	defer conn.Close()

	out := newOutput(rootOpts, cmd)
	if opts.object {
		row, err := e.QueryForObject(ctx, id, param)
		if err != nil {
			return err
		}
		return out.result(row, func(p *printer) {
			if row == nil {
				p.line("(no row)")
				return
			}
			p.line("%s", formatRow(row))
		})
	}

	var rows []any
	if opts.skip > 0 || opts.max > 0 {
		rows, err = e.QueryForPage(ctx, id, param, opts.skip, opts.max)
	} else {
		rows, err = e.QueryForList(ctx, id, param)
	}
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []any{}
	}
	return out.result(rows, func(p *printer) {
		for _, row := range rows {
			p.line("%s", formatRow(row))
		}
		p.line("(%d rows)", len(rows))
	})
}

type execResult struct {
	Statement string `json:"statement"`
	Key       any    `json:"key,omitempty"`
	Affected  *int64 `json:"affected,omitempty"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	var param string
	cmd := &cobra.Command{
		Use:   "exec <settings.yaml> <statement>",
		Short: "Run an insert, update, delete or procedure statement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(rootOpts, param, cmd, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&param, "param", "p", "", "parameter as JSON")
	return cmd
}

func runExec(rootOpts *RootOptions, rawParam string, cmd *cobra.Command, path, id string) error {
	param, err := parseParam(rawParam)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, conn, err := open(ctx, rootOpts, cmd, path)
	if err != nil {
		return err
	}
	defer conn.Close()

	ms, err := e.Statement(id)
	if err != nil {
		return err
	}
	res := execResult{Statement: id}
	switch ms.Descriptor().Kind {
	case mapping.Insert:
		// Inserts report their generated key; a map parameter also
		// receives it, which keeps the call usable without Go types.
		if param == nil {
			param = map[string]any{}
		}
		res.Key, err = e.Insert(ctx, id, param)
	case mapping.Delete:
		var n int64
		n, err = e.Delete(ctx, id, param)
		res.Affected = &n
	default:
		var n int64
		n, err = e.Update(ctx, id, param)
		res.Affected = &n
	}
	if err != nil {
		return err
	}
	return newOutput(rootOpts, cmd).result(res, func(p *printer) {
		if res.Key != nil {
			p.line("key: %v", res.Key)
		}
		if res.Affected != nil {
			p.line("%d row(s) affected", *res.Affected)
		} else {
			p.line("inserted")
		}
	})
}

func open(ctx context.Context, rootOpts *RootOptions, cmd *cobra.Command, path string) (*engine.Engine, connector.Connection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return config.Open(ctx, path, types(), engine.WithLogger(rootOpts.logger(cmd.ErrOrStderr())))
}
