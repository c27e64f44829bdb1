package imports

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/stealthrocket/iobridge"
	"github.com/tetratelabs/wazero"
)

// Builder is used to setup and instantiate the I/O bridge host module.
type Builder struct {
	name             string
	args             []string
	env              []string
	listens          []string
	dials            []string
	customStdio      bool
	stdin            int
	stdout           int
	stderr           int
	nonBlockingStdio bool
	wasi             bool
	provider         iobridge.Provider
	logger           *logiface.Logger[logiface.Event]
	tracer           io.Writer
	wrappers         []func(iobridge.Provider) iobridge.Provider
	errors           []error
}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{wasi: true}
}

// WithName sets the name of the module, which is exposed to the module
// as argv[0].
func (b *Builder) WithName(name string) *Builder {
	b.name = name
	return b
}

// WithArgs sets command line arguments.
func (b *Builder) WithArgs(args ...string) *Builder {
	b.args = args
	return b
}

// WithEnv sets environment variables, in the NAME=VALUE form.
func (b *Builder) WithEnv(env ...string) *Builder {
	for _, e := range env {
		if !strings.Contains(e, "=") {
			b.errors = append(b.errors, fmt.Errorf("invalid environment variable %q", e))
		}
	}
	b.env = env
	return b
}

// WithListens specifies a list of addresses to listen on before starting
// the module. The listener sockets are added to the set of preopens.
func (b *Builder) WithListens(listens ...string) *Builder {
	b.listens = listens
	return b
}

// WithDials specifies a list of addresses to dial before starting
// the module. The connection sockets are added to the set of preopens.
func (b *Builder) WithDials(dials ...string) *Builder {
	b.dials = dials
	return b
}

// WithStdio sets stdio file descriptors.
//
// Note that the file descriptors will be duplicated before the module takes
// ownership. The caller is responsible for managing the specified
// descriptors.
func (b *Builder) WithStdio(stdin, stdout, stderr int) *Builder {
	b.customStdio = true
	b.stdin = stdin
	b.stdout = stdout
	b.stderr = stderr
	return b
}

// WithNonBlockingStdio enables or disables non-blocking stdio.
// When enabled, the stdio handles are in non-blocking mode when the module
// starts.
func (b *Builder) WithNonBlockingStdio(enable bool) *Builder {
	b.nonBlockingStdio = enable
	return b
}

// WithWASI enables or disables the instantiation of wazero's WASI preview 1
// host module next to the bridge, which modules built by standard toolchains
// need for their arguments, environment and exit. It is enabled by default.
func (b *Builder) WithWASI(enable bool) *Builder {
	b.wasi = enable
	return b
}

// WithProvider sets the provider performing the system calls of the bridge.
// The default provider issues system calls on the host.
func (b *Builder) WithProvider(provider iobridge.Provider) *Builder {
	b.provider = provider
	return b
}

// WithLogger sets the logger of the bridge.
func (b *Builder) WithLogger(logger *logiface.Logger[logiface.Event]) *Builder {
	b.logger = logger
	return b
}

// WithTracer enables the Tracer, and instructs it to write to the
// specified io.Writer.
func (b *Builder) WithTracer(enable bool, w io.Writer) *Builder {
	if !enable {
		w = nil
	}
	b.tracer = w
	return b
}

// WithWrappers sets the iobridge.Provider wrappers.
func (b *Builder) WithWrappers(wrappers ...func(iobridge.Provider) iobridge.Provider) *Builder {
	b.wrappers = wrappers
	return b
}

// ModuleConfig returns the configuration to instantiate the guest module
// with: its name, arguments and environment, and the standard input and
// outputs of the host unless WithStdio was used.
func (b *Builder) ModuleConfig() wazero.ModuleConfig {
	name := defaultName
	if b.name != "" {
		name = b.name
	}
	config := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(append([]string{name}, b.args...)...).
		WithRandSource(defaultRand).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()
	if !b.customStdio {
		config = config.WithStdin(os.Stdin).WithStdout(os.Stdout).WithStderr(os.Stderr)
	}
	for _, e := range b.env {
		k, v, _ := strings.Cut(e, "=")
		config = config.WithEnv(k, v)
	}
	return config
}
