package blueprint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/strata/internal/cluster"
)

// On disk a blueprint is YAML:
//
//	ranges:
//	  - start: ""
//	    end: m
//	    primary: 6f1c...
//	    secondaries: [a7e2...]
//	  - start: m
//	    primary: a7e2...
type fileBlueprint struct {
	Ranges []fileRange `yaml:"ranges"`
}

type fileRange struct {
	Start       string           `yaml:"start"`
	End         string           `yaml:"end,omitempty"`
	Primary     *cluster.PeerID  `yaml:"primary,omitempty"`
	Secondaries []cluster.PeerID `yaml:"secondaries,omitempty"`
}

// Parse decodes and validates a YAML blueprint.
func Parse(data []byte) (Blueprint, error) {
	var f fileBlueprint
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Blueprint{}, fmt.Errorf("blueprint: %w", err)
	}
	var bp Blueprint
	for _, r := range f.Ranges {
		a := Assignment{
			Range: KeyRange{Start: r.Start, End: r.End},
			Roles: make(map[cluster.PeerID]Role),
		}
		for _, s := range r.Secondaries {
			a.Roles[s] = RoleSecondary
		}
		if r.Primary != nil {
			if a.Roles[*r.Primary] == RoleSecondary {
				return Blueprint{}, fmt.Errorf("blueprint: %s is both primary and secondary of %s", r.Primary.Short(), a.Range)
			}
			a.Roles[*r.Primary] = RolePrimary
		}
		bp.Ranges = append(bp.Ranges, a)
	}
	if err := bp.Validate(); err != nil {
		return Blueprint{}, err
	}
	return bp, nil
}

// Marshal encodes bp in the YAML form read by Parse.
func Marshal(bp Blueprint) ([]byte, error) {
	var f fileBlueprint
	for _, a := range bp.Ranges {
		r := fileRange{Start: a.Range.Start, End: a.Range.End}
		for _, p := range sortedPeers(a.Roles) {
			switch a.Roles[p] {
			case RolePrimary:
				p := p
				r.Primary = &p
			case RoleSecondary:
				r.Secondaries = append(r.Secondaries, p)
			}
		}
		f.Ranges = append(f.Ranges, r)
	}
	return yaml.Marshal(f)
}

// Load reads a blueprint file.
func Load(path string) (Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Blueprint{}, err
	}
	return Parse(data)
}

// Watch calls fn with the blueprint in path now and after every change to
// the file, until ctx is done. The parent directory is watched rather than
// the file, so editors that replace the file on save are followed.
// A file that fails to parse is logged and skipped.
func Watch(ctx context.Context, path string, logger *zap.Logger, fn func(Blueprint)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("blueprint").With(zap.String("path", path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("blueprint: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("blueprint: watch %q: %w", filepath.Dir(path), err)
	}

	reload := func() {
		bp, err := Load(path)
		if err != nil {
			logger.Warn("ignoring unreadable blueprint", zap.Error(err))
			return
		}
		logger.Info("blueprint loaded", zap.Int("ranges", len(bp.Ranges)))
		fn(bp)
	}
	reload()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				continue
			}
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		}
	}
}
