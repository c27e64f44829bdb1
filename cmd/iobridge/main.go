package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/stealthrocket/iobridge/imports"
	"github.com/stealthrocket/iobridge/internal/logging"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
)

const Version = "devel"

var (
	envs             strings
	listens          strings
	dials            strings
	nonBlockingStdio bool
	trace            bool
	logLevel         string
	version          bool
	help             bool
	h                bool
)

func main() {
	flag.Var(&envs, "env", "Environment variables to pass to the WASM module.")
	flag.Var(&listens, "listen", "Addresses to listen on before starting the module.")
	flag.Var(&dials, "dial", "Addresses to connect to before starting the module.")
	flag.BoolVar(&nonBlockingStdio, "non-blocking-stdio", false, "Enable non-blocking stdio.")
	flag.BoolVar(&trace, "trace", false, "Trace the system calls of the bridge to stderr.")
	flag.StringVar(&logLevel, "log-level", "warning", "Level of the messages logged to stderr.")
	flag.BoolVar(&version, "version", false, "Print the version and exit.")
	flag.BoolVar(&help, "help", false, "Print usage information.")
	flag.BoolVar(&h, "h", false, "Print usage information.")
	flag.Parse()

	if version {
		fmt.Println("iobridge", Version)
		os.Exit(0)
	} else if h || help {
		showUsage()
		os.Exit(0)
	}

	if err := run(flag.Args()); err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(int(exitErr.ExitCode()))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Printf(`iobridge - Run a WebAssembly module with the I/O bridge

USAGE:
   iobridge [OPTIONS]... <MODULE> [--] [ARGS]...

ARGS:
   <MODULE>
      The path of the WebAssembly module to run

   [ARGS]...
      Arguments to pass to the module

OPTIONS:
   --env <NAME=VAL>
      Pass an environment variable to the module

   --listen <ADDR>
      Listen on an address, e.g. tcp://127.0.0.1:8080?backlog=16

   --dial <ADDR>
      Connect to an address, e.g. tcp://127.0.0.1:5432?timeout=5s

   --non-blocking-stdio
      Enable non-blocking stdio

   --trace
      Trace the system calls of the bridge to stderr

   --log-level <LEVEL>
      Level of the messages logged to stderr (default: warning)

   --version
      Print the version and exit

   -h, --help
      Show this usage information
`)
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: iobridge [OPTIONS]... <MODULE> [--] [ARGS]...")
	}

	wasmFile := args[0]
	wasmName := filepath.Base(wasmFile)
	wasmCode, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("could not read WASM file '%s': %w", wasmFile, err)
	}

	args = args[1:]
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	logger := logging.Wrap(
		zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
		logging.ParseLevel(logLevel),
	)

	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	builder := imports.NewBuilder().
		WithName(wasmName).
		WithArgs(args...).
		WithEnv(envs...).
		WithListens(listens...).
		WithDials(dials...).
		WithNonBlockingStdio(nonBlockingStdio).
		WithTracer(trace, os.Stderr).
		WithLogger(logger)

	ctx, err = builder.Instantiate(ctx, runtime)
	if err != nil {
		return err
	}

	instance, err := runtime.InstantiateWithConfig(ctx, wasmCode, builder.ModuleConfig())
	if err != nil {
		return err
	}
	return instance.Close(ctx)
}

type strings []string

func (s strings) String() string {
	return fmt.Sprintf("%v", []string(s))
}

func (s *strings) Set(value string) error {
	*s = append(*s, value)
	return nil
}
