package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel       string
	LogFormat      string
	LogFile        string
	DebugSignaling bool
	DebugRegistry  bool
	DebugICE       bool
	DebugRTP       bool
	DebugEgress    bool
	DebugAll       bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugSignaling, "debug-signaling", false,
		"Enable wire-protocol request/reply debugging")
	fs.BoolVar(&f.DebugRegistry, "debug-registry", false,
		"Enable device/stream/session registry transition debugging")
	fs.BoolVar(&f.DebugICE, "debug-ice", false,
		"Enable ICE/DTLS negotiation debugging")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugEgress, "debug-egress", false,
		"Enable plain RTP bridge binding lifecycle debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugSignaling {
			cfg.EnableCategory(DebugSignaling)
			cfg.Level = LevelDebug
		}
		if f.DebugRegistry {
			cfg.EnableCategory(DebugRegistry)
			cfg.Level = LevelDebug
		}
		if f.DebugICE {
			cfg.EnableCategory(DebugICE)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugEgress {
			cfg.EnableCategory(DebugEgress)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./router

  Enable DEBUG level:
    ./router --log-level debug
    ./router -l debug

  Log to file:
    ./router --log-file router.log
    ./router -o router.log

  JSON format for structured logging:
    ./router --log-format json -o router.json

  Debug signaling traffic only:
    ./router --debug-signaling

  Debug ICE/DTLS negotiation only:
    ./router --debug-ice

  Debug multiple categories:
    ./router --debug-signaling --debug-registry --debug-rtp

  Debug everything:
    ./router --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./router -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugSignaling {
			debugCategories = append(debugCategories, "signaling")
		}
		if f.DebugRegistry {
			debugCategories = append(debugCategories, "registry")
		}
		if f.DebugICE {
			debugCategories = append(debugCategories, "ice")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugEgress {
			debugCategories = append(debugCategories, "egress")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
