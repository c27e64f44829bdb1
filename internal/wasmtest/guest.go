// Package wasmtest builds WebAssembly guests to test host modules with.
package wasmtest

import (
	"context"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Guest is a module which exports a memory, and a function for each function
// of a host module that calls it with the same arguments.
type Guest struct {
	t   *testing.T
	ctx context.Context
	mod api.Module
}

// NewGuest instantiates a guest of the host module named module in runtime.
// The host module must already be instantiated, ctx is the context that the
// functions are called with.
func NewGuest(ctx context.Context, t *testing.T, runtime wazero.Runtime, module string) *Guest {
	host := runtime.Module(module)
	require.NotNil(t, host, module)
	binary := Encode(module, host.ExportedFunctionDefinitions())
	mod, err := runtime.InstantiateWithConfig(ctx, binary, wazero.NewModuleConfig().WithName("guest"))
	require.NoError(t, err)
	return &Guest{t: t, ctx: ctx, mod: mod}
}

// Call calls the host function name and returns its first result.
func (g *Guest) Call(name string, params ...uint64) uint64 {
	g.t.Helper()
	fn := g.mod.ExportedFunction(name)
	require.NotNil(g.t, fn, name)
	ret, err := fn.Call(g.ctx, params...)
	require.NoError(g.t, err)
	require.NotEmpty(g.t, ret)
	return ret[0]
}

func (g *Guest) Uint64(offset uint32) uint64 {
	g.t.Helper()
	v, ok := g.mod.Memory().ReadUint64Le(offset)
	require.True(g.t, ok)
	return v
}

func (g *Guest) Int32(offset uint32) int32 {
	g.t.Helper()
	v, ok := g.mod.Memory().ReadUint32Le(offset)
	require.True(g.t, ok)
	return int32(v)
}

// Write writes data at offset and returns the pointer and length to pass
// to the host.
func (g *Guest) Write(offset uint32, data string) (ptr, length uint64) {
	g.t.Helper()
	require.True(g.t, g.mod.Memory().WriteString(offset, data))
	return uint64(offset), uint64(len(data))
}

func (g *Guest) Read(offset, length uint32) []byte {
	g.t.Helper()
	b, ok := g.mod.Memory().Read(offset, length)
	require.True(g.t, ok)
	return b
}

// Encode encodes a guest of module whose functions are defs.
func Encode(module string, defs map[string]api.FunctionDefinition) []byte {
	names := slices.Sorted(maps.Keys(defs))
	n := uint32(len(names))

	types := appendU32(nil, n)
	imports := appendU32(nil, n)
	funcs := appendU32(nil, n)
	exports := appendU32(nil, n+1)
	code := appendU32(nil, n)

	for i, name := range names {
		params, results := defs[name].ParamTypes(), defs[name].ResultTypes()

		types = append(types, 0x60)
		types = appendU32(types, uint32(len(params)))
		types = append(types, params...)
		types = appendU32(types, uint32(len(results)))
		types = append(types, results...)

		imports = appendName(imports, module)
		imports = appendName(imports, name)
		imports = append(imports, 0x00)
		imports = appendU32(imports, uint32(i))

		funcs = appendU32(funcs, uint32(i))

		exports = appendName(exports, name)
		exports = append(exports, 0x00)
		exports = appendU32(exports, n+uint32(i))

		body := []byte{0x00} // no locals
		for j := range params {
			body = append(body, 0x20) // local.get
			body = appendU32(body, uint32(j))
		}
		body = append(body, 0x10) // call
		body = appendU32(body, uint32(i))
		body = append(body, 0x0b) // end
		code = appendU32(code, uint32(len(body)))
		code = append(code, body...)
	}

	exports = appendName(exports, "memory")
	exports = append(exports, 0x02, 0x00)
	memory := []byte{0x01, 0x00, 0x01} // one memory of one page

	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	b = appendSection(b, 1, types)
	b = appendSection(b, 2, imports)
	b = appendSection(b, 3, funcs)
	b = appendSection(b, 5, memory)
	b = appendSection(b, 7, exports)
	b = appendSection(b, 10, code)
	return b
}

func appendU32(b []byte, v uint32) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendSection(b []byte, id byte, content []byte) []byte {
	b = append(b, id)
	b = appendU32(b, uint32(len(content)))
	return append(b, content...)
}
