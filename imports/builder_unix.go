//go:build unix

package imports

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/stealthrocket/iobridge"
	"github.com/stealthrocket/iobridge/imports/iobridge_v1"
	"github.com/stealthrocket/iobridge/internal/sockets"
	"github.com/stealthrocket/iobridge/systems/unix"
	"github.com/stealthrocket/wazergo"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Instantiate instantiates the host modules and binds the I/O bridge module
// to the specified context. The handles of the bridge are closed when the
// module instance is closed.
func (b *Builder) Instantiate(ctx context.Context, runtime wazero.Runtime) (ctx2 context.Context, err error) {
	if len(b.errors) > 0 {
		return ctx, errors.Join(b.errors...)
	}

	stdin, stdout, stderr := b.stdin, b.stdout, b.stderr
	if !b.customStdio {
		stdin = syscall.Stdin
		stdout = syscall.Stdout
		stderr = syscall.Stderr
	}

	var provider iobridge.Provider = new(unix.Provider)
	if b.provider != nil {
		provider = b.provider
	}
	for _, wrap := range b.wrappers {
		provider = wrap(provider)
	}
	if b.tracer != nil {
		provider = &iobridge.Tracer{Writer: b.tracer, Provider: provider}
	}

	bridge := &iobridge.Bridge{Provider: provider, Logger: b.logger}
	defer func() {
		if err != nil {
			bridge.CloseAll()
		}
	}()

	var preopens []iobridge_v1.Preopen

	for _, stdio := range []struct {
		fd   int
		path string
	}{
		{stdin, "/dev/stdin"},
		{stdout, "/dev/stdout"},
		{stderr, "/dev/stderr"},
	} {
		newfd, errno := provider.Dup(stdio.fd)
		if errno != iobridge.ESUCCESS {
			return ctx, fmt.Errorf("unable to duplicate %s fd %d: %w", stdio.path, stdio.fd, errno)
		}
		h, err := bridge.Register(newfd)
		if err != nil {
			provider.Close(newfd)
			return ctx, fmt.Errorf("unable to register %s: %w", stdio.path, err)
		}
		if b.nonBlockingStdio {
			if err := bridge.SetBlocking(h, false); err != nil {
				return ctx, fmt.Errorf("unable to put %s in non-blocking mode: %w", stdio.path, err)
			}
		}
		preopens = append(preopens, iobridge_v1.Preopen{Name: stdio.path, Handle: h})
	}

	for _, addr := range b.listens {
		h, err := sockets.Listen(bridge, addr)
		if err != nil {
			return ctx, fmt.Errorf("unable to listen on %q: %w", addr, err)
		}
		preopens = append(preopens, iobridge_v1.Preopen{Name: addr, Handle: h})
	}
	for _, addr := range b.dials {
		h, err := sockets.Dial(bridge, addr)
		if err != nil {
			return ctx, fmt.Errorf("unable to dial %q: %w", addr, err)
		}
		preopens = append(preopens, iobridge_v1.Preopen{Name: addr, Handle: h})
	}

	if b.wasi {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
			return ctx, fmt.Errorf("unable to instantiate WASI: %w", err)
		}
	}

	module := wazergo.MustInstantiate(ctx, runtime,
		iobridge_v1.HostModule,
		iobridge_v1.WithBridge(bridge),
		iobridge_v1.WithPreopens(preopens...),
	)
	ctx = wazergo.WithModuleInstance(ctx, module)

	return ctx, nil
}
