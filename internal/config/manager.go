package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "instabot/pkg/logx"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// ConfigManager loads the config file and, when watched, republishes every
// valid change to subscribers.
type ConfigManager struct {
	path string
	env  func(string) string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu guards subs and makes publish and Unsubscribe mutually exclusive,
	// so a send never hits a closed channel.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path: path,
		env:  os.Getenv,
		validator: func(_ context.Context, cfg *Config) error {
			return Validate(cfg)
		},
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetEnv replaces the environment lookup used for overrides.
func (m *ConfigManager) SetEnv(fn func(string) string) {
	if fn != nil {
		m.env = fn
	}
}

// SetValidator replaces the check run by Load and Watch before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file, then applies env overrides.
// It does not validate.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, m.env)
	return cfg, nil
}

// Decode parses JSON or YAML (chosen by the file extension of name) into a
// Config. Unknown keys, duplicate keys and trailing data are errors. YAML
// errors carry the line of the key they concern.
func Decode(name string, data []byte) (*Config, error) {
	base := filepath.Base(name)
	jb, lines := data, map[string]int(nil)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", base, err)
		}
		lines = map[string]int{}
		var v any = map[string]any{}
		if len(doc.Content) > 0 {
			var err error
			if v, err = yamlValue(doc.Content[0], "", lines); err != nil {
				return nil, fmt.Errorf("decode %s: %w", base, err)
			}
		}
		var err error
		if jb, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", base, err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		if line := errorLine(err, lines); line > 0 {
			return nil, fmt.Errorf("decode %s: line %d: %w", base, line, err)
		}
		return nil, fmt.Errorf("decode %s: %w", base, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// yamlValue turns a YAML node into the plain maps, slices and scalars the
// JSON encoder accepts, recording the line of every mapping key under its
// dotted path.
func yamlValue(n *yaml.Node, path string, lines map[string]int) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return yamlValue(n.Content[0], path, lines)
	case yaml.AliasNode:
		return yamlValue(n.Alias, path, lines)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for i, c := range n.Content {
			v, err := yamlValue(c, fmt.Sprintf("%s[%d]", path, i), lines)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		merged := map[string]bool{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, val := n.Content[i], n.Content[i+1]
			if k.Tag == "!!merge" {
				v, err := yamlValue(val, path, lines)
				if err != nil {
					return nil, err
				}
				src, ok := v.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("line %d: merge key needs a mapping", k.Line)
				}
				for mk, mv := range src {
					if _, set := m[mk]; !set {
						m[mk], merged[mk] = mv, true
					}
				}
				continue
			}
			p := k.Value
			if path != "" {
				p = path + "." + k.Value
			}
			if _, dup := m[k.Value]; dup && !merged[k.Value] {
				return nil, fmt.Errorf("line %d: duplicate key %q", k.Line, p)
			}
			lines[p] = k.Line
			v, err := yamlValue(val, p, lines)
			if err != nil {
				return nil, err
			}
			m[k.Value] = v
			delete(merged, k.Value)
		}
		return m, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

var unknownFieldRe = regexp.MustCompile(`unknown field "([^"]+)"`)

// errorLine finds the YAML line a strict-decode error refers to: the field
// path of a type mismatch, or the first key with the rejected name.
func errorLine(err error, lines map[string]int) int {
	if len(lines) == 0 {
		return 0
	}
	var key string
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		if l, ok := lines[te.Field]; ok {
			return l
		}
		key = te.Field[strings.LastIndex(te.Field, ".")+1:]
	} else if mm := unknownFieldRe.FindStringSubmatch(err.Error()); mm != nil {
		key = mm[1]
	} else {
		return 0
	}
	best := 0
	for p, l := range lines {
		if p != key && !strings.HasSuffix(p, "."+key) {
			continue
		}
		if best == 0 || l < best {
			best = l
		}
	}
	return best
}

// Load parses and validates the file and commits it. Any error is fatal to startup.
func (m *ConfigManager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if m.validator != nil {
		if err := m.validator(ctx, cfg); err != nil {
			return nil, fmt.Errorf("invalid config %s:\n%w", m.path, err)
		}
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i] = m.subs[last]
		m.subs[last] = nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish delivers cfg to every subscriber. A full subscriber loses its
// oldest pending config so the newest one always fits.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload is the debounced body of Watch: parse, skip if unchanged, validate,
// commit, publish. It reports whether a new config was published.
func (m *ConfigManager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true
}

// backoff is the jittered exponential delay used to recreate a broken watcher.
type backoff struct {
	cur time.Duration
	rng *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{cur: restartBackoffBase, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, restartBackoffMax)
	return wait
}

func (b *backoff) reset() { b.cur = restartBackoffBase }

// Watch follows the config file until ctx ends. Editors that replace the file
// are handled by watching the parent directory; a watcher that breaks is
// recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	bo := newBackoff()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		w, err := m.openWatcher(dir)
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleepCtx(ctx, bo.next()) {
				return nil
			}
			continue
		}
		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		m.drain(ctx, w, file, dir, debounce)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

func (m *ConfigManager) openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// drain consumes watcher events until ctx ends or the watcher breaks.
func (m *ConfigManager) drain(ctx context.Context, w *fsnotify.Watcher, file, dir string, debounce func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err), logx.String("dir", dir))
				debounce()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			if strings.Contains(msg, "closed") {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
