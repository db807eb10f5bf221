package cmd

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/internal/configpaths"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit scaffolds a configuration file for a specific command.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"bench,list"`
	Format  string `help:"Output format" enum:"json,yaml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

// Run writes a template holding the values the command runs with when
// nothing else is configured.
func (c *ConfigInit) Run() error {
	format := normalizeFormat(c.Format)
	if format == "" {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}

	var root map[string]any
	switch c.Command {
	case "bench":
		root = templateValues(reflect.ValueOf(benchDefaults()))
	case "list":
		root = templateValues(reflect.ValueOf(List{DeviceSelector: defaultSelector()}))
	default:
		return errors.New("unknown command; expected 'bench' or 'list'")
	}

	dest := c.Output
	if dest == "" {
		dest = c.Command + "." + format
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return errors.New("destination exists; use --force to overwrite")
		}
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}

	data, err := marshalAs(root, format)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func defaultSelector() DeviceSelector {
	return DeviceSelector{Driver: "usbfs", Vid: 0x1004, Pid: 0xa000}
}

// benchDefaults is the Bench a run without flags or configuration uses.
func benchDefaults() Bench {
	cfg := bench.DefaultConfig()
	return Bench{
		DeviceSelector: defaultSelector(),
		Test:           cfg.Test.String(),
		Mode:           cfg.Mode.String(),
		Timeout:        cfg.Timeout,
		BufferLength:   bench.Size(cfg.BufferLength),
		BufferCount:    cfg.BufferCount,
		Verify:         cfg.Verify,
		Refresh:        time.Second,
		ReportFormat:   "yaml",
	}
}

func normalizeFormat(f string) string {
	switch strings.ToLower(f) {
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	default:
		return ""
	}
}

// marshalAs encodes v in one of the normalized formats.
func marshalAs(v any, format string) ([]byte, error) {
	switch normalizeFormat(format) {
	case "json":
		return json.MarshalIndent(v, "", "  ")
	case "yaml":
		return yaml.Marshal(v)
	case "toml":
		return toml.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// templateValues maps the flag fields of a command to configuration keys.
// Embedded groups are flattened unless they carry a prefix.
func templateValues(v reflect.Value) map[string]any {
	v = reflect.Indirect(v)
	t := v.Type()
	out := map[string]any{}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, ok := f.Tag.Lookup("embed"); ok {
			sub := templateValues(v.Field(i))
			if name := strings.TrimSuffix(f.Tag.Get("prefix"), "."); name != "" {
				out[name] = sub
			} else {
				maps.Copy(out, sub)
			}
			continue
		}
		out[configKey(f.Name)] = templateValue(v.Field(i))
	}
	return out
}

// templateValue renders durations, sizes and ids the way their flags
// accept them.
func templateValue(v reflect.Value) any {
	switch x := v.Interface().(type) {
	case time.Duration:
		return x.String()
	case encoding.TextMarshaler:
		if text, err := x.MarshalText(); err == nil {
			return string(text)
		}
	}
	return v.Interface()
}

func configKey(name string) string {
	r := []rune(name)
	if len(r) > 0 {
		r[0] = unicode.ToLower(r[0])
	}
	return string(r)
}
