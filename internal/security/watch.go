package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

const (
	reloadDebounce    = 250 * time.Millisecond
	watchBackoffBase  = 500 * time.Millisecond
	watchBackoffLimit = 30 * time.Second
)

// LoadPolicyFile reads a JSON or YAML policy document and applies it on top
// of base. Keys missing from the file keep base's values.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	u, err := ParsePolicyUpdate(data)
	if err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	p := base.Merge(u)
	if err := p.Check(); err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicyUpdate decodes a partial policy from JSON or YAML. Unknown keys
// are rejected.
func ParsePolicyUpdate(data []byte) (PolicyUpdate, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return PolicyUpdate{}, fmt.Errorf("decode policy: %w", err)
	}
	if doc == nil {
		return PolicyUpdate{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return PolicyUpdate{}, fmt.Errorf("normalize policy: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var u PolicyUpdate
	if err := dec.Decode(&u); err != nil {
		return PolicyUpdate{}, fmt.Errorf("decode policy: %w", err)
	}
	return u, nil
}

// WatchPolicyFile reloads the policy from path whenever the file changes,
// merging it over base. A file that fails to parse or check is logged and
// the current policy is kept. Blocks until ctx is done.
func (v *Validator) WatchPolicyFile(ctx context.Context, path string, base Policy) error {
	dir, file := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}

	reload := func() {
		p, err := LoadPolicyFile(path, base)
		if err != nil {
			v.logger.Warn().Err(err).Str("path", path).Msg("policy reload rejected, keeping current policy")
			return
		}
		if err := v.SetPolicy(p); err != nil {
			v.logger.Warn().Err(err).Str("path", path).Msg("policy reload rejected, keeping current policy")
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	debounce := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, reload)
	}

	backoff := watchBackoffBase
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchBackoffLimit)
		return true
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			v.logger.Warn().Err(err).Str("dir", dir).Msg("policy watcher init failed")
			if !wait() {
				break
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			v.logger.Warn().Err(err).Str("dir", dir).Msg("policy watcher add failed")
			if !wait() {
				break
			}
			continue
		}
		backoff = watchBackoffBase
		v.logger.Debug().Str("path", path).Msg("policy watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) == file &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				v.logger.Warn().Err(err).Str("dir", dir).Msg("policy watcher error")
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
				}
			}
		}
		_ = w.Close()
		v.logger.Warn().Str("path", path).Msg("policy watcher stopped, restarting")
		if !wait() {
			break
		}
	}
	return nil
}
