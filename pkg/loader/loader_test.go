package loader

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-dyld/pkg/export"
	"github.com/blacktop/go-dyld/pkg/trie"
)

func mustImage(t *testing.T, path string, loadAddr uint64, syms ...export.Symbol) *Image {
	t.Helper()
	img := &Image{
		Path:        path,
		UUID:        uuid.New(),
		LoadAddress: loadAddr,
	}
	for _, sym := range syms {
		if sym.IsWeakDef() {
			img.HasWeakDefs = true
		}
	}
	if len(syms) > 0 {
		data, err := export.BuildExportsTrie(syms, trie.NeedsSort())
		require.NoError(t, err)
		img.Exports = export.NewExportsTrie(data)
	}
	return img
}

func TestResolveDependencyOrdinal(t *testing.T) {
	libc := mustImage(t, "/usr/lib/libc.dylib", 0x7000_0000,
		export.MakeRegularExport("_malloc", 0x100, 1, false, false))
	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: libc, Kind: DependentRegular}}

	state := NewRuntimeState(app)
	state.Add(libc)

	res, err := state.Resolve(app, 1, "_malloc", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, libc, res.TargetImage)
	assert.Equal(t, uint64(0x100), res.TargetOffset)
	assert.Equal(t, BindToImage, res.Kind)
	assert.Equal(t, uint64(0x7000_0100), res.Address())
}

func TestResolveSelfAndMainOrdinals(t *testing.T) {
	app := mustImage(t, "/bin/app", 0x1000_0000,
		export.MakeRegularExport("_app_entry", 0x10, 1, false, false))
	lib := mustImage(t, "/usr/lib/liba.dylib", 0x2000_0000,
		export.MakeRegularExport("_a", 0x20, 1, false, false))

	state := NewRuntimeState(app)
	state.Add(lib)

	res, err := state.Resolve(lib, BindSpecialDylibSelf, "_a", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, lib, res.TargetImage)

	res, err = state.Resolve(lib, BindSpecialDylibMainExecutable, "_app_entry", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, app, res.TargetImage)
}

func TestResolveUnknownOrdinal(t *testing.T) {
	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)

	_, err := state.Resolve(app, -7, "_x", ResolveOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownOrdinal)
	assert.Contains(t, err.Error(), "unknown library ordinal -7")
}

func TestResolveMissingSymbolError(t *testing.T) {
	libc := mustImage(t, "/usr/lib/libc.dylib", 0x7000_0000,
		export.MakeRegularExport("_malloc", 0x100, 1, false, false))
	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: libc, Kind: DependentRegular}}
	state := NewRuntimeState(app)
	state.Add(libc)

	_, err := state.Resolve(app, 1, "_no_such_symbol", ResolveOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.Contains(t, err.Error(), "_no_such_symbol")
	assert.Contains(t, err.Error(), "/bin/app")
	assert.Contains(t, err.Error(), "/usr/lib/libc.dylib")

	// weak imports degrade to a null bind instead
	res, err := state.Resolve(app, 1, "_no_such_symbol", ResolveOptions{WeakImport: true})
	require.NoError(t, err)
	assert.Equal(t, BindAbsolute, res.Kind)
	assert.Zero(t, res.TargetOffset)
	assert.Zero(t, res.Address())
}

func TestFlatLookup(t *testing.T) {
	hidden := mustImage(t, "/usr/lib/libhidden.dylib", 0x3000_0000,
		export.MakeRegularExport("_shared", 0x10, 1, false, false))
	hidden.HiddenFromFlat = true
	libb := mustImage(t, "/usr/lib/libb.dylib", 0x4000_0000,
		export.MakeRegularExport("_shared", 0x20, 1, false, false))
	app := mustImage(t, "/bin/app", 0x1000_0000)

	state := NewRuntimeState(app)
	state.Add(hidden)
	state.Add(libb)

	// the hidden image loads first but is skipped for everyone but itself
	res, err := state.Resolve(app, BindSpecialDylibFlatLookup, "_shared", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, libb, res.TargetImage)
	assert.True(t, state.HasDynamicReference(app, libb))

	res, err = state.Resolve(hidden, BindSpecialDylibFlatLookup, "_shared", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, hidden, res.TargetImage)
	assert.False(t, state.HasDynamicReference(hidden, hidden))
}

func TestFlatLookupScansDelayLoaded(t *testing.T) {
	late := mustImage(t, "/usr/lib/liblate.dylib", 0x5000_0000,
		export.MakeRegularExport("_late_bloomer", 0x30, 1, false, false))
	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)
	state.AddDelayLoaded(late)

	res, err := state.Resolve(app, BindSpecialDylibFlatLookup, "_late_bloomer", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, late, res.TargetImage)
}

func TestFlatLookupMissing(t *testing.T) {
	libdyld := mustImage(t, "/usr/lib/system/libdyld.dylib", 0x6000_0000,
		export.MakeRegularExport("__dyld_missing_symbol_abort", 0x40, 1, false, false))
	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)
	state.Add(libdyld)
	state.LibdyldImage = libdyld
	state.MissingSymbolOffset = 0x40

	// lazily bound flat references degrade to the trap stub
	res, err := state.Resolve(app, BindSpecialDylibFlatLookup, "_gone", ResolveOptions{LazyBind: true})
	require.NoError(t, err)
	assert.Same(t, libdyld, res.TargetImage)
	assert.Equal(t, uint64(0x40), res.TargetOffset)
	assert.True(t, res.IsMissingFlatLazy)
	require.Len(t, state.MissingSymbols(), 1)
	assert.Equal(t, "_gone", state.MissingSymbols()[0].SymbolName)

	// non-lazy, non-weak-import is a hard error
	_, err = state.Resolve(app, BindSpecialDylibFlatLookup, "_gone", ResolveOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.Contains(t, err.Error(), "flat namespace")
	assert.Contains(t, err.Error(), "searched:", "failure names the images scanned")

	// a zero trap offset disables the trap path
	state.MissingSymbolOffset = 0
	_, err = state.Resolve(app, BindSpecialDylibFlatLookup, "_gone", ResolveOptions{LazyBind: true})
	assert.Error(t, err)
}

func TestWeakCoalescingPrecedence(t *testing.T) {
	// A (weak), B (weak), C (strong), loaded in that order
	imgA := mustImage(t, "/usr/lib/libA.dylib", 0x2000_0000,
		export.MakeWeakDefExport("_foo", 0xa0, 1, false, false))
	imgB := mustImage(t, "/usr/lib/libB.dylib", 0x3000_0000,
		export.MakeWeakDefExport("_foo", 0xb0, 1, false, false))
	imgC := mustImage(t, "/usr/lib/libC.dylib", 0x4000_0000,
		export.MakeRegularExport("_foo", 0xc0, 1, false, false))
	imgC.HasWeakDefs = true // strong copy participates in coalescing

	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)
	state.Add(imgA)
	state.Add(imgB)
	state.Add(imgC)

	res, err := state.Resolve(app, BindSpecialDylibWeakLookup, "_foo", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, imgC, res.TargetImage, "later strong definition displaces earlier weak ones")
	assert.Equal(t, uint64(0xc0), res.TargetOffset)
	assert.False(t, res.IsWeakDef)
	assert.True(t, state.HasDynamicReference(app, imgC))
}

func TestWeakCoalescingFirstStrongWins(t *testing.T) {
	imgA := mustImage(t, "/usr/lib/libA.dylib", 0x2000_0000,
		export.MakeWeakDefExport("_foo", 0xa0, 1, false, false))
	imgC1 := mustImage(t, "/usr/lib/libC1.dylib", 0x3000_0000,
		export.MakeRegularExport("_foo", 0xc1, 1, false, false))
	imgC1.HasWeakDefs = true
	imgC2 := mustImage(t, "/usr/lib/libC2.dylib", 0x4000_0000,
		export.MakeRegularExport("_foo", 0xc2, 1, false, false))
	imgC2.HasWeakDefs = true

	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)
	state.Add(imgA)
	state.Add(imgC1)
	state.Add(imgC2)

	res, err := state.Resolve(app, BindSpecialDylibWeakLookup, "_foo", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, imgC1, res.TargetImage, "a strong definition is never displaced by a later one")
}

func TestWeakCoalescingFirstWeakWinsWithoutStrong(t *testing.T) {
	imgA := mustImage(t, "/usr/lib/libA.dylib", 0x2000_0000,
		export.MakeWeakDefExport("_foo", 0xa0, 1, false, false))
	imgB := mustImage(t, "/usr/lib/libB.dylib", 0x3000_0000,
		export.MakeWeakDefExport("_foo", 0xb0, 1, false, false))

	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)
	state.Add(imgA)
	state.Add(imgB)

	res, err := state.Resolve(app, BindSpecialDylibWeakLookup, "_foo", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, imgA, res.TargetImage)
	assert.True(t, res.IsWeakDef)
}

func TestWeakCoalescingMissing(t *testing.T) {
	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)

	_, err := state.Resolve(app, BindSpecialDylibWeakLookup, "_foo", ResolveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weak-def symbol not found '_foo'")
	assert.Contains(t, err.Error(), "searched:", "failure names the images scanned")

	res, err := state.Resolve(app, BindSpecialDylibWeakLookup, "_foo", ResolveOptions{WeakImport: true})
	require.NoError(t, err)
	assert.Equal(t, BindAbsolute, res.Kind)
	assert.Zero(t, res.TargetOffset)
}

func TestWeakCoalescingHiddenSelfFallback(t *testing.T) {
	hidden := mustImage(t, "/usr/lib/libhidden.dylib", 0x2000_0000,
		export.MakeWeakDefExport("_foo", 0xa0, 1, false, false))
	hidden.HiddenFromFlat = true

	state := NewRuntimeState(nil)
	state.Add(hidden)

	res, err := state.Resolve(hidden, BindSpecialDylibWeakLookup, "_foo", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, hidden, res.TargetImage)
}

func TestWeakCoalescingCachePatcher(t *testing.T) {
	cached := mustImage(t, "/usr/lib/libc++.1.dylib", 0x7000_0000,
		export.MakeWeakDefExport("_znwm", 0xa0, 1, false, false))
	cached.InSharedCache = true
	strong := mustImage(t, "/bin/plugin.dylib", 0x2000_0000,
		export.MakeRegularExport("_znwm", 0xd0, 1, false, false))
	strong.HasWeakDefs = true

	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)
	state.Add(cached)
	state.Add(strong)

	var patched []string
	res, err := state.Resolve(app, BindSpecialDylibWeakLookup, "_znwm", ResolveOptions{
		CachePatcher: func(cachedImage *Image, cachedOffset uint64, replacement ResolvedSymbol) {
			patched = append(patched, fmt.Sprintf("%s+%#x->%s", cachedImage.LeafName(), cachedOffset, replacement.TargetImage.LeafName()))
		},
	})
	require.NoError(t, err)
	// the cache copy was found first, but the strong definition wins and the
	// cache use gets reported for live patching
	assert.Same(t, strong, res.TargetImage)
	assert.Equal(t, []string{"libc++.1.dylib+0xa0->plugin.dylib"}, patched)

	// once the cache image is fixed up its exports are no longer patchable
	patched = nil
	state.SetFixedUp(cached)
	_, err = state.Resolve(app, BindSpecialDylibWeakLookup, "_znwm", ResolveOptions{
		CachePatcher: func(*Image, uint64, ResolvedSymbol) { patched = append(patched, "x") },
	})
	require.NoError(t, err)
	assert.Empty(t, patched)
}

func TestWeakDefMapKicksIn(t *testing.T) {
	imgA := mustImage(t, "/usr/lib/libA.dylib", 0x2000_0000,
		export.MakeWeakDefExport("_foo", 0xa0, 1, false, false))
	app := mustImage(t, "/bin/app", 0x1000_0000)
	state := NewRuntimeState(app)
	state.Add(imgA)

	for i := 0; i < weakDefMapThreshold+10; i++ {
		res, err := state.Resolve(app, BindSpecialDylibWeakLookup, "_foo", ResolveOptions{})
		require.NoError(t, err)
		require.Same(t, imgA, res.TargetImage)
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	require.NotNil(t, state.weakDefMap)
	assert.Equal(t, 1, state.weakDefMap.Len())
}

func TestReExportChasing(t *testing.T) {
	// X re-exports _bar as Y's _baz
	imgY := mustImage(t, "/usr/lib/libY.dylib", 0x3000_0000,
		export.MakeRegularExport("_baz", 0x99, 1, false, false))
	imgX := mustImage(t, "/usr/lib/libX.dylib", 0x2000_0000,
		export.MakeReExport("_bar", 1, "_baz"))
	imgX.Deps = []Dependent{{Image: imgY, Kind: DependentReExport}}

	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: imgX, Kind: DependentRegular}}
	state := NewRuntimeState(app)
	state.Add(imgX)
	state.Add(imgY)

	res, err := state.Resolve(app, 1, "_bar", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, imgY, res.TargetImage)
	assert.Equal(t, uint64(0x99), res.TargetOffset)
	assert.Equal(t, "_baz", res.SymbolName)
}

func TestReExportOrdinalOutOfRange(t *testing.T) {
	imgX := mustImage(t, "/usr/lib/libX.dylib", 0x2000_0000,
		export.MakeReExport("_bar", 3, "_baz")) // only 0 deps
	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: imgX, Kind: DependentRegular}}
	state := NewRuntimeState(app)
	state.Add(imgX)

	_, err := state.Resolve(app, 1, "_bar", ResolveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-export ordinal 3")
	assert.Contains(t, err.Error(), "out of range")
}

func TestReExportThroughDependencyChain(t *testing.T) {
	// libFoundation re-exports from libCore, which renames the import
	impl := mustImage(t, "/usr/lib/libimpl.dylib", 0x5000_0000,
		export.MakeRegularExport("_impl_v2", 0x77, 1, false, false))
	core := mustImage(t, "/usr/lib/libCore.dylib", 0x4000_0000,
		export.MakeReExport("_api", 1, "_impl_v2"))
	core.Deps = []Dependent{{Image: impl, Kind: DependentRegular}}
	foundation := mustImage(t, "/usr/lib/libFoundation.dylib", 0x3000_0000)
	foundation.Deps = []Dependent{{Image: core, Kind: DependentReExport}}

	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: foundation, Kind: DependentRegular}}
	state := NewRuntimeState(app)
	state.Add(foundation)
	state.Add(core)
	state.Add(impl)

	res, err := state.Resolve(app, 1, "_api", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, impl, res.TargetImage)
	assert.Equal(t, uint64(0x77), res.TargetOffset)
}

func TestNlistFallback(t *testing.T) {
	legacy := &Image{
		Path:                 "/usr/lib/liblegacy.dylib",
		LoadAddress:          0x2000_0000,
		PreferredLoadAddress: 0x1000,
	}
	n := types.Nlist64{Nlist: types.Nlist{Type: types.N_SECT | types.N_EXT, Sect: 1}, Value: 0x1440}
	sym, err := export.FromNlist64("_old_api", n, "")
	require.NoError(t, err)
	legacy.NlistSymbols = []export.Symbol{
		sym,
		export.MakeRegularLocal("_private", 0x1500, 1, false, false),
	}

	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: legacy, Kind: DependentRegular}}
	state := NewRuntimeState(app)
	state.Add(legacy)

	res, err := state.Resolve(app, 1, "_old_api", ResolveOptions{})
	require.NoError(t, err)
	assert.Same(t, legacy, res.TargetImage)
	// nlist values are vmaddrs, the offset subtracts the preferred base
	assert.Equal(t, uint64(0x440), res.TargetOffset)

	// locals are not visible through the fallback
	_, err = state.Resolve(app, 1, "_private", ResolveOptions{})
	assert.Error(t, err)
}

func TestResolverStub(t *testing.T) {
	lib := mustImage(t, "/usr/lib/libfast.dylib", 0x2000_0000,
		export.MakeDynamicResolver("_memcpy", 1, 0x1000, 0x1100))
	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: lib, Kind: DependentRegular}}
	state := NewRuntimeState(app)
	state.Add(lib)

	// closures and other static clients get the stub offset
	res, err := state.Resolve(app, 1, "_memcpy", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), res.TargetOffset)

	// eager clients run the resolver and bind its answer
	res, err = state.Resolve(app, 1, "_memcpy", ResolveOptions{
		RunResolvers: true,
		ResolverRunner: func(img *Image, stubOffset, funcOffset uint64) (uint64, error) {
			assert.Equal(t, uint64(0x1000), stubOffset)
			assert.Equal(t, uint64(0x1100), funcOffset)
			return 0x1800, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1800), res.TargetOffset)
}

func TestFunctionVariants(t *testing.T) {
	lib := mustImage(t, "/usr/lib/libsimd.dylib", 0x2000_0000,
		export.MakeFunctionVariantExport("_crc32", 0x500, 1, 0))
	lib.FunctionVariants = [][]uint64{{0x500, 0x600, 0x700}}
	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: lib, Kind: DependentRegular}}
	state := NewRuntimeState(app)
	state.Add(lib)

	// without a selector the default implementation is kept
	res, err := state.Resolve(app, 1, "_crc32", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x500), res.TargetOffset)

	res, err = state.Resolve(app, 1, "_crc32", ResolveOptions{
		VariantSelector: func(img *Image, table []uint64) int { return 2 },
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x700), res.TargetOffset)
	assert.Equal(t, uint32(2), res.VariantIndex)
}

func TestFlatLazyBindEndToEnd(t *testing.T) {
	// libc++ has a weak copy, the app a strong one; a flat lazy bind inside
	// the app picks the app's own definition and records no self edge
	libcxx := mustImage(t, "/usr/lib/libc++.1.dylib", 0x7000_0000,
		export.MakeWeakDefExport("_ZnwmSt11align_val_t", 0xa0, 1, false, false))
	app := mustImage(t, "/bin/app.exe", 0x1000_0000,
		export.MakeRegularExport("_ZnwmSt11align_val_t", 0x50, 1, false, false))
	app.Deps = []Dependent{{Image: libcxx, Kind: DependentRegular}}

	state := NewRuntimeState(app)
	state.Add(libcxx)

	res, err := state.Resolve(app, BindSpecialDylibFlatLookup, "_ZnwmSt11align_val_t", ResolveOptions{LazyBind: true})
	require.NoError(t, err)
	assert.Same(t, app, res.TargetImage, "load order finds the app's strong copy first")
	assert.Equal(t, uint64(0x50), res.TargetOffset)
	assert.False(t, res.IsMissingFlatLazy)
	assert.False(t, state.HasDynamicReference(app, app))
}

func TestMakeClosureAndBindTargets(t *testing.T) {
	libc := mustImage(t, "/usr/lib/libc.dylib", 0x7000_0000,
		export.MakeRegularExport("_malloc", 0x100, 1, false, false),
		export.MakeRegularExport("_free", 0x200, 1, false, false))
	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Deps = []Dependent{{Image: libc, Kind: DependentRegular}}
	app.Binds = []BindRequest{
		{SymbolName: "_malloc", LibOrdinal: 1},
		{SymbolName: "_free", LibOrdinal: 1, Addend: 8},
		{SymbolName: "_maybe", LibOrdinal: 1, WeakImport: true},
	}
	state := NewRuntimeState(app)
	state.Add(libc)

	group := &ImageGroup{State: state, Images: []*Image{app}}
	closure, err := group.MakeClosure()
	require.NoError(t, err)
	require.Len(t, closure.Images, 1)
	require.Len(t, closure.Images[0].Targets, 3)
	assert.Equal(t, "/usr/lib/libc.dylib", closure.Images[0].Targets[0].TargetPath)
	assert.True(t, closure.Images[0].Targets[2].Absolute, "missing weak import binds to null")

	var buf bytes.Buffer
	require.NoError(t, closure.Write(&buf))
	reread, err := ReadClosure(&buf)
	require.NoError(t, err)
	assert.Equal(t, closure.ID, reread.ID)

	addrs, err := reread.BindTargets(state, "/bin/app")
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x7000_0100, 0x7000_0208, 0}, addrs, "recorded addends are folded into the table")

	_, err = reread.BindTargets(state, "/bin/ghost")
	assert.Error(t, err)
}

func TestMakeClosureFailsOnMissing(t *testing.T) {
	app := mustImage(t, "/bin/app", 0x1000_0000)
	app.Binds = []BindRequest{{SymbolName: "_nope", LibOrdinal: BindSpecialDylibFlatLookup}}
	state := NewRuntimeState(app)

	_, err := (&ImageGroup{State: state, Images: []*Image{app}}).MakeClosure()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}
