// Package script provides the "script" service type: the service's
// entry file runs inside an embedded tengo VM, one isolated sandbox per
// service. The runtime hands events to the script through an `event`
// global and exposes host functions on the `arbor` module object.
package script

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/arborlabs/arbor/config"
	"github.com/arborlabs/arbor/internal/actor"
	"github.com/arborlabs/arbor/internal/message"
	"github.com/arborlabs/arbor/internal/timer"
)

// safeModules is the stdlib subset scripts may import; os/filesystem
// modules stay out of the sandbox.
var safeModules = []string{"math", "text", "times", "rand", "fmt", "json", "base64", "hex", "enum"}

// vm wraps one service's compiled script.
type vm struct {
	ctx      *actor.Context
	logger   *slog.Logger
	compiled *tengo.Compiled
}

// NewFactory returns the behavior factory for script services. The
// config's `file` is compiled once at construction; `path` extends the
// import search path; `memlimit` bounds both the VM's allocation budget
// and the payload bytes accounted per event.
func NewFactory(logger *slog.Logger) actor.Factory {
	return func(ctx *actor.Context, cfg *config.Service) (actor.Callbacks, error) {
		src, err := os.ReadFile(cfg.File)
		if err != nil {
			return actor.Callbacks{}, fmt.Errorf("script: read %s: %w", cfg.File, err)
		}

		s := tengo.NewScript(src)
		s.SetImports(stdlib.GetModuleMap(safeModules...))
		if cfg.Path != "" {
			if err := s.SetImportDir(cfg.Path); err != nil {
				return actor.Callbacks{}, fmt.Errorf("script: import dir %s: %w", cfg.Path, err)
			}
		}
		if cfg.MemLimit > 0 {
			s.SetMaxAllocs(cfg.MemLimit)
		}

		v := &vm{ctx: ctx, logger: ctx.Logger()}
		_ = s.Add("arbor", v.hostModule())
		_ = s.Add("event", map[string]any{})

		compiled, err := s.Compile()
		if err != nil {
			return actor.Callbacks{}, fmt.Errorf("script: compile %s: %w", cfg.File, err)
		}
		v.compiled = compiled

		return actor.Callbacks{
			Start: func(*actor.Context) {
				if err := v.fire(map[string]any{"kind": "start"}); err != nil {
					v.logger.Error("script start failed", "error", err)
				}
			},
			Message: v.onMessage,
			Exit: func(c *actor.Context) {
				if err := v.fire(map[string]any{"kind": "exit"}); err != nil {
					v.logger.Error("script exit failed", "error", err)
				}
				if c.Refs() <= 0 {
					c.Quit()
				}
			},
			Destroy: func(*actor.Context) {
				_ = v.fire(map[string]any{"kind": "destroy"})
			},
			Timer: func(_ *actor.Context, id uint32, last bool) {
				if err := v.fire(map[string]any{"kind": "timer", "id": int64(id), "last": last}); err != nil {
					v.logger.Error("script timer failed", "error", err)
				}
			},
		}, nil
	}
}

func (v *vm) onMessage(ctx *actor.Context, m *message.Message) error {
	payload := m.Payload()
	if !ctx.AllocMem(int64(len(payload))) {
		return fmt.Errorf("script: allocation of %d bytes exceeds memlimit", len(payload))
	}
	defer ctx.FreeMem(int64(len(payload)))

	return v.fire(map[string]any{
		"kind":    "message",
		"sender":  int64(m.Sender),
		"session": int64(m.Session),
		"ptype":   int64(m.Type),
		"subtype": int64(m.Subtype),
		"header":  m.Header,
		"data":    append([]byte(nil), payload...),
	})
}

// fire runs the script once against a fresh clone with the event bound.
func (v *vm) fire(event map[string]any) error {
	c := v.compiled.Clone()
	if err := c.Set("event", event); err != nil {
		return fmt.Errorf("script: bind event: %w", err)
	}
	if err := c.Run(); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// hostModule builds the `arbor` object visible to scripts.
func (v *vm) hostModule() tengo.Object {
	funcs := map[string]tengo.CallableFunc{
		"id": func(...tengo.Object) (tengo.Object, error) {
			return &tengo.Int{Value: int64(v.ctx.ID())}, nil
		},
		"log": func(args ...tengo.Object) (tengo.Object, error) {
			parts := make([]any, 0, len(args)*2)
			for i, a := range args {
				parts = append(parts, fmt.Sprintf("arg%d", i), tengo.ToInterface(a))
			}
			v.logger.Info("script", parts...)
			return tengo.UndefinedValue, nil
		},
		"send": func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) < 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			to, ok := tengo.ToInt64(args[0])
			if !ok {
				return nil, tengo.ErrInvalidArgumentType{Name: "to", Expected: "int"}
			}
			if err := v.ctx.Send("data", uint32(to), toGoArgs(args[1:])...); err != nil {
				return &tengo.Error{Value: &tengo.String{Value: err.Error()}}, nil
			}
			return tengo.TrueValue, nil
		},
		"response": func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) < 2 {
				return nil, tengo.ErrWrongNumArguments
			}
			to, ok1 := tengo.ToInt64(args[0])
			session, ok2 := tengo.ToInt64(args[1])
			if !ok1 || !ok2 {
				return nil, tengo.ErrInvalidArgumentType{Name: "to/session", Expected: "int"}
			}
			if err := v.ctx.Response("data", uint32(to), int32(session), toGoArgs(args[2:])...); err != nil {
				return &tengo.Error{Value: &tengo.String{Value: err.Error()}}, nil
			}
			return tengo.TrueValue, nil
		},
		"query": func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			name, _ := tengo.ToString(args[0])
			return &tengo.Int{Value: int64(v.ctx.Query(name))}, nil
		},
		"set_env": func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 2 {
				return nil, tengo.ErrWrongNumArguments
			}
			name, _ := tengo.ToString(args[0])
			value, _ := tengo.ToString(args[1])
			v.ctx.SetEnv(name, value)
			return tengo.UndefinedValue, nil
		},
		"get_env": func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			name, _ := tengo.ToString(args[0])
			value, ok := v.ctx.GetEnv(name)
			if !ok {
				return tengo.UndefinedValue, nil
			}
			return &tengo.String{Value: value}, nil
		},
		"repeated": func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 2 {
				return nil, tengo.ErrWrongNumArguments
			}
			ms, ok1 := tengo.ToInt64(args[0])
			times, ok2 := tengo.ToInt64(args[1])
			if !ok1 || !ok2 {
				return nil, tengo.ErrInvalidArgumentType{Name: "interval/times", Expected: "int"}
			}
			id := v.ctx.Repeated(time.Duration(ms)*time.Millisecond, int32(times))
			return &tengo.Int{Value: int64(id)}, nil
		},
		"remove_timer": func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			id, _ := tengo.ToInt64(args[0])
			v.ctx.RemoveTimer(uint32(id))
			return tengo.UndefinedValue, nil
		},
		"quit": func(...tengo.Object) (tengo.Object, error) {
			v.ctx.Quit()
			return tengo.UndefinedValue, nil
		},
	}
	m := make(map[string]tengo.Object, len(funcs)+1)
	for name, fn := range funcs {
		m[name] = &tengo.UserFunction{Name: name, Value: fn}
	}
	m["timer_forever"] = &tengo.Int{Value: int64(timer.Unbounded)}
	return &tengo.ImmutableMap{Value: m}
}

func toGoArgs(args []tengo.Object) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = tengo.ToInterface(a)
	}
	return out
}
