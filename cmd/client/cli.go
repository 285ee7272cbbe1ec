package client

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

// parseFlags returns a nil Config with an exit code when the invocation was
// fully handled (help, version, server listing).
func parseFlags(args []string, version string) (*Config, map[string]bool, int, error) {
	config := &Config{}
	flagsSet := make(map[string]bool)

	flagSet := pflag.NewFlagSet("latbench client", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVarP(&config.ServerURL, "server", "S", "", "Server alias or URL")
	flagSet.StringVarP(&config.Label, "label", "l", "", "Free-form label attached to the report (e.g. vanilla, proxy)")
	flagSet.StringVar(&config.Identity, "identity", "", "Reconnect as a previously issued identity")
	flagSet.DurationVarP(&config.Duration, "duration", "t", 0, "Total run duration, split evenly between the ping and load phases")
	flagSet.DurationVar(&config.PingInterval, "ping-interval", 0, "Probe interval during the ping phase")
	flagSet.DurationVar(&config.LoadInterval, "load-interval", 0, "Probe and payload interval during the load phase")
	flagSet.IntVar(&config.PayloadBytes, "payload-bytes", 0, "Synthetic payload size per load tick")
	flagSet.StringVarP(&config.Export, "export", "o", "", "Write the server's CSV export to this file after the run")
	flagSet.BoolVar(&config.JSON, "json", false, "Output results as JSON")
	flagSet.BoolVar(&config.Plain, "plain", false, "Plain key=value output")
	flagSet.BoolVarP(&config.Verbose, "verbose", "v", false, "Verbose output")
	flagSet.BoolVarP(&config.Quiet, "quiet", "q", false, "Quiet mode (errors only)")
	flagSet.BoolVar(&config.NoColor, "no-color", false, "Disable color output")
	flagSet.BoolVar(&config.NoProgress, "no-progress", false, "Disable progress indicators")

	versionFlag := flagSet.Bool("version", false, "Print version")
	help := flagSet.BoolP("help", "h", false, "Show help")
	servers := flagSet.Bool("servers", false, "List configured servers")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, exitUsage, err
	}

	flagSet.Visit(func(f *pflag.Flag) {
		flagsSet[f.Name] = true
	})

	if *help {
		printUsage(os.Stdout, flagSet)
		return nil, nil, exitSuccess, nil
	}
	if *versionFlag {
		fmt.Printf("latbench %s\n", version)
		return nil, nil, exitSuccess, nil
	}
	if *servers {
		listServers(os.Stdout)
		return nil, nil, exitSuccess, nil
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		return nil, nil, exitUsage, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
	}
	if len(rest) == 1 {
		config.ServerURL = rest[0]
		flagsSet["server"] = true
	}

	return config, flagsSet, 0, nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Usage: latbench client [flags] [server]

Runs one latency benchmark: probes only for the first half of the run,
probes plus synthetic payload load for the second half, then prints the
server's summary.

Flags:
%s
Environment:
  LATBENCH_SERVER_URL, LATBENCH_LABEL, LATBENCH_IDENTITY, LATBENCH_DURATION,
  LATBENCH_PING_INTERVAL, LATBENCH_LOAD_INTERVAL, LATBENCH_PAYLOAD_BYTES, NO_COLOR

Examples:
  latbench client
  latbench client https://bench.example.com --label proxy
  latbench client -S lab -t 1m --json -o results.csv
`, flagSet.FlagUsages())
}

func listServers(w io.Writer) {
	configFile, err := loadConfigFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "latbench client: warning: %v\n", err)
	}

	fmt.Fprintln(w, "Configured Servers:")
	fmt.Fprintln(w)

	if configFile == nil || len(configFile.Servers) == 0 {
		fmt.Fprintln(w, "  No servers configured.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Add servers to ~/.config/latbench/config.yaml:")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  servers:")
		fmt.Fprintln(w, "    lab:")
		fmt.Fprintln(w, "      url: http://bench.lab.local:8080")
		fmt.Fprintln(w, "      name: \"Lab\"")
		fmt.Fprintln(w)
		return
	}

	fmt.Fprintf(w, "  %-12s %-20s %s\n", "ALIAS", "NAME", "URL")
	fmt.Fprintf(w, "  %-12s %-20s %s\n", "-----", "----", "---")
	aliases := make([]string, 0, len(configFile.Servers))
	for alias := range configFile.Servers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		server := configFile.Servers[alias]
		defaultMark := ""
		if alias == configFile.DefaultServer {
			defaultMark = " *"
		}
		name := server.Name
		if name == "" {
			name = alias
		}
		fmt.Fprintf(w, "  %-12s %-20s %s%s\n", alias, name, server.URL, defaultMark)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  * = default server")
}
