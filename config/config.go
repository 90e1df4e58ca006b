// Package config loads the per-node server configuration. The file is a
// JSON array with one object per node; a node is selected by sid.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Service is one statically configured service. Unknown keys are kept in
// Extra and forwarded opaquely to the service's behavior.
type Service struct {
	Name     string         `mapstructure:"name"`
	Type     string         `mapstructure:"type"`
	File     string         `mapstructure:"file"`
	Unique   bool           `mapstructure:"unique"`
	MemLimit int64          `mapstructure:"memlimit"`
	Path     string         `mapstructure:"path"`
	CPath    string         `mapstructure:"cpath"`
	Extra    map[string]any `mapstructure:",remain"`
}

// Net tunes the socket layer's send-queue watermarks.
type Net struct {
	WarnSendQueueSize int    `mapstructure:"warn_send_queue_size"`
	MaxSendQueueSize  int    `mapstructure:"max_send_queue_size"`
	DebugAddr         string `mapstructure:"debug_addr"`
}

// Node is one server node's configuration.
type Node struct {
	SID      uint16            `mapstructure:"sid"`
	Name     string            `mapstructure:"name"`
	Thread   int               `mapstructure:"thread"`
	Log      string            `mapstructure:"log"`
	LogLevel string            `mapstructure:"loglevel"`
	Env      map[string]string `mapstructure:"env"`
	Services []Service         `mapstructure:"services"`
	Net      Net               `mapstructure:"net"`
}

// Load reads the node with the given sid from the config file at path.
// A sid of zero selects the first node.
func Load(path string, sid uint16) (*Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Viper wants a map at the root; the on-disk format is a per-node
	// array, so wrap it before handing it over.
	doc := raw
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		doc = append(append([]byte(`{"nodes":`), trimmed...), '}')
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var wrapper struct {
		Nodes []Node `mapstructure:"nodes"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if len(wrapper.Nodes) == 0 {
		return nil, fmt.Errorf("config: %s holds no nodes", path)
	}

	var node *Node
	if sid == 0 {
		node = &wrapper.Nodes[0]
	} else {
		for i := range wrapper.Nodes {
			if wrapper.Nodes[i].SID == sid {
				node = &wrapper.Nodes[i]
				break
			}
		}
	}
	if node == nil {
		return nil, fmt.Errorf("config: no node with sid %d in %s", sid, path)
	}

	applyDefaults(node)
	if err := validate(node); err != nil {
		return nil, err
	}
	return node, nil
}

func applyDefaults(n *Node) {
	if n.Thread <= 0 {
		n.Thread = runtime.NumCPU()
	}
	if n.Thread > 255 {
		n.Thread = 255
	}
	if n.LogLevel == "" {
		n.LogLevel = "info"
	}
	if n.Net.WarnSendQueueSize <= 0 {
		n.Net.WarnSendQueueSize = 256
	}
	if n.Net.MaxSendQueueSize <= 0 {
		n.Net.MaxSendQueueSize = 4096
	}
}

func validate(n *Node) error {
	for i, s := range n.Services {
		if s.Name == "" {
			return fmt.Errorf("config: service %d has no name", i)
		}
		if s.Type == "" && s.File == "" {
			return fmt.Errorf("config: service %q has neither type nor file", s.Name)
		}
	}
	return nil
}

// ExpandLogPath substitutes #sid and #date in the node's log template.
func ExpandLogPath(template string, sid uint16, now time.Time) string {
	out := strings.ReplaceAll(template, "#sid", fmt.Sprintf("%d", sid))
	out = strings.ReplaceAll(out, "#date", now.Format("2006-01-02"))
	return filepath.Clean(out)
}

// WatchEnv re-reads the config whenever the file changes and hands the
// fresh env block to apply. It returns a stop function.
func WatchEnv(path string, sid uint16, logger *slog.Logger, apply func(map[string]string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				node, err := Load(path, sid)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				logger.Info("config env reloaded", "keys", len(node.Env))
				apply(node.Env)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
