package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C holds the merged settings of every yaml file found under one path.
type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, a single file or a directory of .yml and .yaml files.
// Files are merged in lexical order, later files win.
func (c *C) Load(path string) error {
	files, err := resolve(path, true)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	settings := map[string]any{}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		var next map[string]any
		if err := yaml.Unmarshal(b, &next); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		if err := mergo.Merge(&next, settings, mergo.WithAppendSlice); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		settings = next
	}

	c.path, c.files, c.Settings = path, files, settings
	return nil
}

// LoadString replaces the settings with a single yaml document.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	c.Settings = m
	return nil
}

// RegisterReloadCallback adds f to the functions run after every successful
// reload. Callbacks use HasChanged to skip work and must not block.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad is true until the first reload.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged compares the yaml rendering of k before and after the last
// reload. An empty k compares everything. Reordered keys count as a change.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var now, before any = c.Settings, c.oldSettings
	if k != "" {
		now, before = lookup(k, c.Settings), lookup(k, c.oldSettings)
	}

	a, err := yaml.Marshal(now)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Failed to marshal current config")
	}
	b, err := yaml.Marshal(before)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Failed to marshal previous config")
	}
	return string(a) != string(b)
}

// CatchHUP reloads the config from the path given to Load on every SIGHUP
// until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the original path again and runs the callbacks. Errors
// are logged and the previous settings stay in place.
func (c *C) ReloadConfig() {
	path := c.path
	if err := c.reload(func() error { return c.Load(path) }); err != nil {
		c.l.WithField("config_path", path).WithError(err).Error("Failed to reload config")
	}
}

// ReloadConfigString is ReloadConfig for an in-memory document.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	previous := maps.Clone(c.Settings)
	if err := load(); err != nil {
		return err
	}
	c.oldSettings = previous
	if c.oldSettings == nil {
		c.oldSettings = map[string]any{}
	}

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// Get returns the raw value at the dotted path k, or nil.
func (c *C) Get(k string) any {
	return lookup(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.Get(k) != nil
}

// GetString formats the value at k, or returns d when k is unset.
func (c *C) GetString(k, d string) string {
	v := c.Get(k)
	if v == nil {
		return d
	}
	return fmt.Sprint(v)
}

// GetInt returns d when k is unset or not an integer.
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetBool accepts anything strconv.ParseBool does plus y, yes, n and no.
func (c *C) GetBool(k string, d bool) bool {
	s := strings.ToLower(c.GetString(k, ""))
	switch s {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return d
	}
	return v
}

// GetDuration parses the value at k with time.ParseDuration.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

func lookup(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[p]; !ok {
			return nil
		}
	}
	return v
}
