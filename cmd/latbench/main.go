package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	client "github.com/saveenergy/latbench/cmd/client"
	export "github.com/saveenergy/latbench/cmd/export"
	mcpcmd "github.com/saveenergy/latbench/cmd/mcp"
	server "github.com/saveenergy/latbench/cmd/server"
)

var version = "dev"

var (
	runServer = server.Run
	runClient = client.Run
	runExport = export.Run
	runMCP    = mcpcmd.Run
)

func main() {
	os.Exit(run(os.Args[1:], version))
}

const usageText = `Usage: latbench <command> [args]

Commands:
  server    Run the latency log server (default when no command provided)
  client    Run a benchmark against a server
  export    Write the server's probe log as CSV
  mcp       Run as MCP server (stdio transport, for AI agents)
  version   Print version

Examples:
  latbench server --db latbench.db
  latbench client -t 60s http://localhost:8080
  latbench export -o logs.csv
  latbench mcp
`

// run dispatches to the subcommand packages. Flag parsing is left to each
// subcommand so their own usage and exit codes stay authoritative.
func run(args []string, version string) int {
	exit := 0
	passthrough := func(name, short string, fn func([]string, string) int) *cobra.Command {
		return &cobra.Command{
			Use:                name,
			Short:              short,
			Args:               cobra.ArbitraryArgs,
			DisableFlagParsing: true,
			RunE: func(_ *cobra.Command, args []string) error {
				exit = fn(args, version)
				return nil
			},
		}
	}

	root := &cobra.Command{
		Use:                "latbench",
		Long:               usageText,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				exit = runServer(nil, version)
				return nil
			}
			switch args[0] {
			case "-h", "--help":
				fmt.Fprint(cmd.OutOrStdout(), usageText)
				return nil
			case "--version":
				fmt.Fprintf(cmd.OutOrStdout(), "latbench %s\n", version)
				return nil
			}
			if strings.HasPrefix(args[0], "-") {
				exit = runServer(args, version)
				return nil
			}
			return fmt.Errorf("unknown command %q", args[0])
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		fmt.Fprint(cmd.OutOrStdout(), usageText)
	})

	root.AddCommand(
		passthrough("server", "Run the latency log server", runServer),
		passthrough("client", "Run a benchmark against a server", runClient),
		passthrough("export", "Write the server's probe log as CSV", runExport),
		&cobra.Command{
			Use:   "mcp",
			Short: "Run as MCP server (stdio transport)",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				exit = runMCP(version)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "latbench %s\n", version)
			},
		},
	)

	root.SetArgs(append([]string{}, args...))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "latbench: %v\n\n%s", err, usageText)
		return 2
	}
	return exit
}
