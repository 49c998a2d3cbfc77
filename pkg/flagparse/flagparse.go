package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-spread/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// A nil pointer means "not registered for this command"; a non-nil pointer
// to a zero value means "registered but not set".
type cliFlags struct {
	// Global
	LogLevel *string
	Config   *string

	// Shared: Serve / Init / Add / List
	Tasks *string

	// Serve
	Address      *string
	Server       *bool
	Start        *bool
	Interval     *int
	ScanMax      *int
	ChunkSizeKB  *int
	LogFile      *string
	Metrics      *bool
	AllowRemote  *bool
	ReportPeriod *int

	// Add
	Source       *string
	Destinations *string
	ArchiveBit   *bool
	WhiteList    *string
	BlackList    *string
	WhiteRegex   *string
	BlackRegex   *string

	// Init
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Config = fs.String("config", "", "Path of the configuration file. Defaults to ./pgl-spread.config.json.")
}

func registerServeFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Tasks = fs.String("tasks", "", "Task list file to load at startup and save to by default.")
	f.Address = fs.String("address", "", "Listen address of the control API, e.g. '127.0.0.1:8989'.")
	f.Server = fs.Bool("server", true, "Serve the control API.")
	f.Start = fs.Bool("start", false, "Start mirroring immediately after loading the task list.")
	f.Interval = fs.Int("interval", 0, "Refresh interval in milliseconds. Values below 100 fall back to 1000.")
	f.ScanMax = fs.Int("scan-max", 0, "Directory entries scanned per task and pulse.")
	f.ChunkSizeKB = fs.Int("chunk-size-kb", 0, "Size of one copy chunk in kilobytes.")
	f.LogFile = fs.String("log-file", "", "Also write logs to this file.")
	f.Metrics = fs.Bool("metrics", true, "Expose Prometheus metrics on /metrics and log a summary on exit.")
	f.AllowRemote = fs.Bool("allow-remote", false, "Allow the control API to listen on a non-loopback address.")
	f.ReportPeriod = fs.Int("report-seconds", 0, "Log a progress summary every N seconds (0 disables).")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Tasks = fs.String("tasks", "", "Task list file recorded in the new configuration.")
	f.Address = fs.String("address", "", "Listen address of the control API recorded in the new configuration.")
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration without asking.")
}

func registerAddFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Tasks = fs.String("tasks", "", "Task list file to edit.")
	f.Source = fs.String("source", "", "Source directory of the task. (Required)")
	f.Destinations = fs.String("destinations", "", "Comma-separated list of destination directories. (Required)")
	f.ArchiveBit = fs.Bool("archive-bit", false, "Recopy files whose change marker is dirty even if they exist at the destination.")
	f.WhiteList = fs.String("white-list", "", "Comma-separated wildcard patterns; only matching files are mirrored.")
	f.BlackList = fs.String("black-list", "", "Comma-separated wildcard patterns; matching files are never mirrored.")
	f.WhiteRegex = fs.String("white-regex", "", "Regular expression; only matching relative paths are mirrored.")
	f.BlackRegex = fs.String("black-regex", "", "Regular expression; matching relative paths are never mirrored.")
}

func registerListFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Tasks = fs.String("tasks", "", "Task list file to print.")
}

var commandSetup = map[Command]struct {
	desc     string
	register func(*flag.FlagSet, *cliFlags)
}{
	Serve: {"Run the mirror daemon and its control API.", registerServeFlags},
	Init:  {"Write a default configuration file.", registerInitFlags},
	Add:   {"Add or replace a task in the task list file.", registerAddFlags},
	List:  {"Print the tasks of the task list file.", registerListFlags},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the
// command and the flags the user set explicitly.
func Parse(args []string) (Command, map[string]any, error) {
	if len(args) == 0 {
		printTopLevelUsage(flag.NewFlagSet("main", flag.ContinueOnError))
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage(flag.NewFlagSet("main", flag.ContinueOnError))
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	setup, ok := commandSetup[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	setup.register(fs, f)
	fs.Usage = func() { printSubcommandUsage(command, setup.desc, fs) }

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}
	return command, flagsToMap(fs, f), nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "tasks", f.Tasks)

	addIfUsed(flagMap, usedFlags, "address", f.Address)
	addIfUsed(flagMap, usedFlags, "server", f.Server)
	addIfUsed(flagMap, usedFlags, "start", f.Start)
	addIfUsed(flagMap, usedFlags, "interval", f.Interval)
	addIfUsed(flagMap, usedFlags, "scan-max", f.ScanMax)
	addIfUsed(flagMap, usedFlags, "chunk-size-kb", f.ChunkSizeKB)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "allow-remote", f.AllowRemote)
	addIfUsed(flagMap, usedFlags, "report-seconds", f.ReportPeriod)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "archive-bit", f.ArchiveBit)
	addIfUsed(flagMap, usedFlags, "white-regex", f.WhiteRegex)
	addIfUsed(flagMap, usedFlags, "black-regex", f.BlackRegex)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	addParsedIfUsed(flagMap, usedFlags, "destinations", f.Destinations, ParseList)
	addParsedIfUsed(flagMap, usedFlags, "white-list", f.WhiteList, ParseList)
	addParsedIfUsed(flagMap, usedFlags, "black-list", f.BlackList, ParseList)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	out := fs.Output()
	fmt.Fprintf(out, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(out, "Mirrors source directories into any number of destinations.\n\n")
	fmt.Fprintf(out, "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  serve       Run the mirror daemon and its control API\n")
	fmt.Fprintf(out, "  init        Write a default configuration file\n")
	fmt.Fprintf(out, "  add         Add or replace a task in the task list file\n")
	fmt.Fprintf(out, "  list        Print the tasks of the task list file\n")
	fmt.Fprintf(out, "  version     Print the application version\n")
	fmt.Fprintf(out, "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	out := fs.Output()
	fmt.Fprintf(out, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(out, "Mirrors source directories into any number of destinations.\n\n")
	fmt.Fprintf(out, "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(out, "%s\n\n", desc)
	fmt.Fprintf(out, "Flags:\n")
	fs.PrintDefaults()
}

// ParseList parses a comma-separated list of paths or patterns. Single or
// double quotes group items containing commas or spaces and are removed.
// Backslashes are literal for Windows path compatibility.
func ParseList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		if trimmed := strings.TrimSpace(current.String()); trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			switch quoteChar {
			case 0:
				quoteChar = r
			case r:
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
