// Package config loads mapper configuration from YAML: a settings file
// naming the database and the mapper files, and mapper files declaring
// cache models, parameter maps, result maps and statements.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Konsultn-Engineering/datamapper/connector"
	"github.com/Konsultn-Engineering/datamapper/engine"
	"gopkg.in/yaml.v3"
)

// Settings is the top-level configuration file.
type Settings struct {
	Database connector.Config `yaml:"database"`
	Options  Options          `yaml:"settings"`
	// Mappers lists mapper files, relative to the settings file.
	Mappers []string `yaml:"mappers"`

	dir string
}

// Options are engine-wide settings.
type Options struct {
	// StrictSingleRow makes single-object queries fail when more than one
	// row comes back.
	StrictSingleRow bool `yaml:"strictSingleRow"`
	// DefaultTimeout applies to statements that declare no timeout.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// EngineOptions translates the settings into engine options.
func (o Options) EngineOptions() []engine.Option {
	var opts []engine.Option
	if o.StrictSingleRow {
		opts = append(opts, engine.WithStrictSingleRow())
	}
	return opts
}

// LoadFile reads a settings file.
func LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// Parse parses a settings document.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings YAML: %w", err)
	}
	return &s, nil
}

// LoadMapperFile reads one mapper file.
func LoadMapperFile(path string) (*MapperFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapper file %s: %w", path, err)
	}
	mf, err := ParseMapper(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	mf.path = path
	return mf, nil
}

// ParseMapper parses a mapper document.
func ParseMapper(data []byte) (*MapperFile, error) {
	var mf MapperFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse mapper YAML: %w", err)
	}
	return &mf, nil
}

// MapperFiles loads every mapper file the settings name.
func (s *Settings) MapperFiles() ([]*MapperFile, error) {
	files := make([]*MapperFile, 0, len(s.Mappers))
	for _, name := range s.Mappers {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.dir, name)
		}
		mf, err := LoadMapperFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, mf)
	}
	return files, nil
}

// Configure builds the mapper files and registers their descriptors with e.
func (s *Settings) Configure(e *engine.Engine, types *Types) error {
	files, err := s.MapperFiles()
	if err != nil {
		return err
	}
	m, err := Build(files, types, s.Options)
	if err != nil {
		return err
	}
	return m.Register(e)
}

// Open connects to the configured database and returns an engine holding
// every configured statement. Closing the connection is the caller's job.
func Open(ctx context.Context, path string, types *Types, opts ...engine.Option) (*engine.Engine, connector.Connection, error) {
	s, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	conn, err := connector.Open(ctx, s.Database)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]engine.Option{engine.WithDialect(conn.Dialect())}, append(s.Options.EngineOptions(), opts...)...)
	e := engine.New(conn.SessionFactory(), opts...)
	if err := s.Configure(e, types); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return e, conn, nil
}
