// Package flagx contains helpers around the standard flag package used by
// the attachctl configuration layer.
package flagx

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// FilterArgs returns a slice of command-line arguments that only contains
// the allowed flags (and their values) specified in allowedFlags.
//
// Supported formats:
//  1. Flag and value as separate arguments:  -c conf.json
//  2. Flag and value combined with '=':      --config=conf.json
//
// Scanning stops at a bare "--"; everything after it belongs to the
// subcommand.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			// a following non-flag token is the value
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// StripArgs is the complement of FilterArgs: it drops the listed flags
// (and their values) and keeps everything else in order. Arguments after a
// bare "--" are kept verbatim.
func StripArgs(args []string, knownFlags []string) []string {
	known := make(map[string]struct{}, len(knownFlags))
	for _, f := range knownFlags {
		known[f] = struct{}{}
	}

	rest := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(rest, args[i+1:]...)
		}

		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := known[name]; !ok {
				rest = append(rest, arg)
			}
			continue
		}

		if _, ok := known[arg]; ok {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
			}
			continue
		}
		rest = append(rest, arg)
	}

	return rest
}

// ConfigPath extracts the JSON config path given via -c or -config from
// args. Other arguments are ignored. Returns "" when neither is present.
func ConfigPath(args []string) string {
	var config string

	filtered := FilterArgs(args, []string{"-c", "-config", "--c", "--config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.SetOutput(nopWriter{})
	fs.StringVar(&config, "config", "", "Path to config file")
	fs.StringVar(&config, "c", "", "Path to config file (short)")
	_ = fs.Parse(filtered)

	return config
}

// JsonConfigFlags is ConfigPath over os.Args.
func JsonConfigFlags() string {
	return ConfigPath(os.Args[1:])
}

// Uint32Map is a flag.Value holding "n=value" pairs separated by commas,
// e.g. "0=https://cdn0.example,2=https://cdn2.example".
type Uint32Map map[uint32]string

func (m *Uint32Map) String() string {
	if m == nil || *m == nil {
		return ""
	}
	keys := make([]uint32, 0, len(*m))
	for k := range *m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d=%s", k, (*m)[k]))
	}
	return strings.Join(parts, ",")
}

func (m *Uint32Map) Set(s string) error {
	out := make(Uint32Map)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("expected n=value, got %q", part)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(k), 10, 32)
		if err != nil {
			return fmt.Errorf("bad key %q: %w", k, err)
		}
		out[uint32(n)] = strings.TrimSpace(v)
	}
	*m = out
	return nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
