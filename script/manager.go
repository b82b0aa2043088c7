package script

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/driftlab/driftd"
)

// Script is one discovered Lua source file. The functions it defines
// decide which slots it can serve: expired() makes it an expiration
// hook, pre() and post() make it a notification hook, and measure()
// makes it usable as a measurement. A notification hook that must halt
// the computation calls abort(msg); returning a string only logs.
type Script struct {
	Name        string
	Path        string
	Description string
	Version     string
	Source      string
}

// Manager discovers Lua scripts in a directory tree.
type Manager struct {
	dir     string
	scripts map[string]*Script
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:     dir,
		scripts: make(map[string]*Script),
	}
}

// Discover walks the scripts directory and loads every .lua file. A
// file that fails to load is skipped so one broken script cannot take
// down the rest.
func (m *Manager) Discover() error {
	if m.dir == "" {
		return nil
	}
	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".lua") {
			return nil
		}

		s, err := loadScript(path)
		if err != nil {
			return nil
		}
		m.scripts[s.Name] = s
		return nil
	})
}

// Get returns a discovered script by name.
func (m *Manager) Get(name string) (*Script, bool) {
	s, ok := m.scripts[name]
	return s, ok
}

// Scripts returns all discovered scripts sorted by name.
func (m *Manager) Scripts() []*Script {
	out := make([]*Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterHooks registers every discovered script under its name in
// the hook registry, one registration per slot function the script
// defines. A script named drift.lua defining expired() becomes the
// expiration hook "drift".
func (m *Manager) RegisterHooks(reg *driftd.HookRegistry) {
	for _, s := range m.Scripts() {
		src := s.Source
		if definesFunction(src, "expired") {
			reg.RegisterExpiration(s.Name, func(ctx context.Context, f *driftd.Feature, rec *driftd.Record, parents map[string]*driftd.Record) (bool, error) {
				return evalExpired(src, rec, parents)
			})
		}
		if definesFunction(src, "pre") {
			reg.RegisterPre(s.Name, func(ctx context.Context, f *driftd.Feature) error {
				return evalNotify(src, "pre", func(l *lua.State) {
					pushFeature(l, f)
				})
			})
		}
		if definesFunction(src, "post") {
			reg.RegisterPost(s.Name, func(ctx context.Context, f *driftd.Feature, rec *driftd.Record) error {
				return evalNotify(src, "post", func(l *lua.State) {
					pushRecord(l, rec)
				})
			})
		}
	}
}

// loadScript reads a script and parses the metadata comments at the
// top of the file:
//
//	-- @description Refuses recomputation during beam time
//	-- @version 1.2
func loadScript(path string) (*Script, error) {
	content, err := os.ReadFile(path) // #nosec G304 - scripts dir comes from the operator's config
	if err != nil {
		return nil, err
	}

	s := &Script{
		Name:   strings.TrimSuffix(filepath.Base(path), ".lua"),
		Path:   path,
		Source: string(content),
	}
	if s.Name == "" {
		return nil, fmt.Errorf("script at %s has no name", path)
	}

	for _, line := range strings.Split(s.Source, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "--") {
			break
		}
		meta := strings.TrimSpace(strings.TrimPrefix(line, "--"))
		switch {
		case strings.HasPrefix(meta, "@description "):
			s.Description = strings.TrimPrefix(meta, "@description ")
		case strings.HasPrefix(meta, "@version "):
			s.Version = strings.TrimPrefix(meta, "@version ")
		}
	}

	return s, nil
}
