package cli

import (
	"strconv"
	"strings"

	"github.com/Konsultn-Engineering/datamapper/dialect"
	"github.com/Konsultn-Engineering/datamapper/dynamic"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

type renderOptions struct {
	param   string
	dialect string
	inline  bool
	dump    bool
}

type renderResult struct {
	Statement string `json:"statement"`
	SQL       string `json:"sql"`
	Args      []any  `json:"args"`
}

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render <settings.yaml> <statement>",
		Short: "Print the SQL a statement produces for a parameter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(rootOpts, opts, cmd, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&opts.param, "param", "p", "", "parameter as JSON")
	cmd.Flags().StringVar(&opts.dialect, "dialect", "", "SQL dialect (default: the configured driver's)")
	cmd.Flags().BoolVar(&opts.inline, "inline", false, "substitute literal values for placeholders")
	cmd.Flags().BoolVar(&opts.dump, "dump", false, "dump the parameter and bindings")
	return cmd
}

func runRender(rootOpts *RootOptions, opts *renderOptions, cmd *cobra.Command, path, id string) error {
	l, err := loadOffline(path)
	if err != nil {
		return err
	}
	name := opts.dialect
	if name == "" {
		name = l.settings.Database.Driver
	}
	d, err := dialect.Lookup(name)
	if err != nil {
		return err
	}
	param, err := parseParam(opts.param)
	if err != nil {
		return err
	}
	ms, err := l.engine.Statement(id)
	if err != nil {
		return err
	}

	target := d
	var inl *inliner
	if opts.inline {
		inl = &inliner{Dialect: d}
		target = inl
	}
	res, err := ms.Render(param, target)
	if err != nil {
		return err
	}
	sql := res.SQL
	if inl != nil {
		sql = inl.substitute(res)
	}

	out := newOutput(rootOpts, cmd)
	if opts.dump {
		spew.Fdump(cmd.ErrOrStderr(), param, res.Bindings)
	}
	return out.result(renderResult{Statement: id, SQL: sql, Args: res.Args()}, func(p *printer) {
		p.line("%s", sql)
		if inl == nil {
			for i, b := range res.Bindings {
				p.line("  %d %s = %v", i+1, b.Path, b.Value)
			}
		}
	})
}

// inliner renders placeholders as markers that substitute replaces with
// the literal form of each binding.
type inliner struct {
	dialect.Dialect
}

const inlineMark = "\x00"

func (inliner) Placeholder(n int) string {
	return inlineMark + strconv.Itoa(n) + inlineMark
}

func (i *inliner) substitute(res *dynamic.Result) string {
	sql := res.SQL
	for n := len(res.Bindings); n >= 1; n-- {
		mark := inlineMark + strconv.Itoa(n) + inlineMark
		sql = strings.ReplaceAll(sql, mark, i.RenderValue(res.Bindings[n-1].Value))
	}
	return sql
}
