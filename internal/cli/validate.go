package cli

import (
	"github.com/Konsultn-Engineering/datamapper/config"
	"github.com/Konsultn-Engineering/datamapper/engine"
	"github.com/spf13/cobra"
)

type validateResult struct {
	Valid       bool     `json:"valid"`
	Statements  []string `json:"statements"`
	CacheModels []string `json:"cacheModels,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <settings.yaml>",
		Short: "Check mapper files without connecting to the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd, args[0])
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command, path string) error {
	out := newOutput(opts, cmd)

	// No session is opened while validating, so the engine needs no factory.
	l, err := loadOffline(path)
	if err != nil {
		_ = out.result(validateResult{Error: err.Error()}, func(p *printer) {})
		return err
	}

	res := validateResult{Valid: true, Statements: l.engine.Statements(), CacheModels: l.cacheModels}
	return out.result(res, func(p *printer) {
		p.line("%d statement(s), %d cache model(s)", len(res.Statements), len(res.CacheModels))
		for _, id := range res.Statements {
			p.line("  %s", id)
		}
	})
}

type loaded struct {
	settings    *config.Settings
	engine      *engine.Engine
	cacheModels []string
}

// loadOffline builds the mappers named by a settings file into an engine
// that is not connected to any database.
func loadOffline(path string) (*loaded, error) {
	s, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	files, err := s.MapperFiles()
	if err != nil {
		return nil, err
	}
	m, err := config.Build(files, types(), s.Options)
	if err != nil {
		return nil, err
	}
	l := &loaded{settings: s, engine: engine.New(nil)}
	if err := m.Register(l.engine); err != nil {
		return nil, err
	}
	for _, c := range m.CacheModels {
		l.cacheModels = append(l.cacheModels, c.ID())
	}
	return l, nil
}
