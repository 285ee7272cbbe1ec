// Package export implements `latbench export`: the log table as CSV, read
// either from a running server or straight from its SQLite file.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/pflag"

	"github.com/saveenergy/latbench/internal/config"
	csvexport "github.com/saveenergy/latbench/internal/export"
	"github.com/saveenergy/latbench/internal/store"
	"github.com/saveenergy/latbench/pkg/client"
)

const defaultServerURL = "http://localhost:8080"

type options struct {
	server   string
	database string
	output   string
	compress bool
}

// Run is the entry point of `latbench export`.
func Run(args []string, version string) int {
	opts, code, err := parseFlags(args, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "latbench export: %v\n", err)
		return 2
	}
	if opts == nil {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "latbench export: error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags(args []string, version string) (*options, int, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("latbench export", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.server, "server", "S", "", "Server URL to export from (default "+defaultServerURL+")")
	fs.StringVar(&opts.database, "db", "", "Read a server's SQLite database file directly instead")
	fs.StringVarP(&opts.output, "output", "o", "-", `Output file ("-" for stdout)`)
	fs.BoolVar(&opts.compress, "zstd", false, "zstd-compress the output")
	help := fs.BoolP("help", "h", false, "Show help")
	showVersion := fs.Bool("version", false, "Print version")

	if err := fs.Parse(args); err != nil {
		return nil, 2, err
	}
	if *help {
		fmt.Fprintf(os.Stdout, "Usage: latbench export [flags]\n\nFlags:\n%s", fs.FlagUsages())
		return nil, 0, nil
	}
	if *showVersion {
		fmt.Printf("latbench %s\n", version)
		return nil, 0, nil
	}
	if fs.NArg() > 0 {
		return nil, 2, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.server != "" && opts.database != "" {
		return nil, 2, errors.New("--server and --db are mutually exclusive")
	}
	if opts.database == config.MemoryDatabase {
		return nil, 2, errors.New("an in-memory database cannot be exported from another process")
	}
	if opts.server == "" && opts.database == "" {
		opts.server = defaultServerURL
	}
	return opts, 0, nil
}

func run(ctx context.Context, opts *options, stdout io.Writer) (err error) {
	var out io.Writer = stdout
	if opts.output != "-" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	if opts.compress {
		enc, err := zstd.NewWriter(out)
		if err != nil {
			return fmt.Errorf("init compressor: %w", err)
		}
		defer func() {
			if cerr := enc.Close(); err == nil {
				err = cerr
			}
		}()
		out = enc
	}

	if opts.database != "" {
		return exportDatabase(ctx, opts.database, out)
	}
	_, err = client.New(opts.server).ExportCSV(ctx, out)
	return err
}

func exportDatabase(ctx context.Context, path string, w io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	_, err = csvexport.WriteCSV(ctx, w, st)
	return err
}
