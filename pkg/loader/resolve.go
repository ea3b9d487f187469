package loader

import (
	"strings"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/blacktop/go-dyld/pkg/export"
	"github.com/blacktop/go-dyld/pkg/trie"
)

// Special library ordinals (BIND_SPECIAL_DYLIB_*).
const (
	BindSpecialDylibSelf           = 0
	BindSpecialDylibMainExecutable = -1
	BindSpecialDylibFlatLookup     = -2
	BindSpecialDylibWeakLookup     = -3
)

// ErrSymbolNotFound is wrapped by every failed hard resolution.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrUnknownOrdinal is returned for library ordinals outside the dependency
// list and the special values.
var ErrUnknownOrdinal = errors.New("unknown library ordinal")

// ResolvedKind says how a fixup slot derives its value from a resolution.
type ResolvedKind uint8

const (
	Rebase ResolvedKind = iota
	BindToImage
	BindAbsolute
)

func (k ResolvedKind) String() string {
	switch k {
	case Rebase:
		return "rebase"
	case BindToImage:
		return "bind-to-image"
	case BindAbsolute:
		return "bind-absolute"
	}
	return "resolved-kind?"
}

// ResolvedSymbol is the product of one resolution: where the symbol lives
// and how a fixup slot should encode it. It is never mutated once returned.
type ResolvedSymbol struct {
	TargetImage       *Image // nil for absolute binds
	SymbolName        string
	TargetOffset      uint64
	Kind              ResolvedKind
	IsWeakDef         bool
	IsCode            bool
	IsMissingFlatLazy bool

	// Function variant exports resolve to a table; VariantIndex is the
	// chosen entry when HasVariants is set.
	HasVariants       bool
	VariantTableIndex uint32
	VariantIndex      uint32

	// Resolver stub exports carry the resolver function offset so eager
	// callers can run it.
	hasResolver        bool
	resolverFuncOffset uint64
}

// Address computes the final pointer value of a resolution.
func (r ResolvedSymbol) Address() uint64 {
	switch r.Kind {
	case Rebase, BindToImage:
		return r.TargetImage.LoadAddress + r.TargetOffset
	default:
		return r.TargetOffset
	}
}

// ResolverRunner calls the in-image resolver function at funcOffset and
// returns the runtime offset of the implementation it chose.
type ResolverRunner func(img *Image, stubOffset, funcOffset uint64) (uint64, error)

// VariantSelector picks one entry of a function variant table for the
// current platform/features.
type VariantSelector func(img *Image, table []uint64) int

// CachePatcher is told about every shared-cache definition that lost weak
// coalescing to replacement, so already-bound cache-internal references can
// be redirected.
type CachePatcher func(cachedImage *Image, cachedOffset uint64, replacement ResolvedSymbol)

// ResolveOptions gate the side-effecting parts of a resolution.
type ResolveOptions struct {
	// WeakImport means a missing symbol binds to null instead of failing.
	WeakImport bool
	// LazyBind means a missing symbol binds to the missing-symbol trap.
	LazyBind bool
	// RunResolvers calls resolver stubs eagerly. Closure builders must
	// leave this off so the stub offset is recorded instead.
	RunResolvers bool

	ResolverRunner  ResolverRunner
	VariantSelector VariantSelector
	CachePatcher    CachePatcher
}

// Resolve finds the definition for a symbolic reference made by img.
// libOrdinal selects the namespace: 1..dependentCount picks a dependency,
// the BindSpecialDylib values select self, the main executable, flat
// lookup, or weak coalescing.
func (s *RuntimeState) Resolve(img *Image, libOrdinal int, symbolName string, opts ResolveOptions) (ResolvedSymbol, error) {
	result := ResolvedSymbol{SymbolName: symbolName, Kind: BindAbsolute}

	switch {
	case libOrdinal > 0 && libOrdinal <= img.DependentCount():
		result.TargetImage, _ = img.Dependent(libOrdinal - 1)
	case libOrdinal == BindSpecialDylibSelf:
		result.TargetImage = img
	case libOrdinal == BindSpecialDylibMainExecutable:
		result.TargetImage = s.MainExecutable
	case libOrdinal == BindSpecialDylibFlatLookup:
		return s.resolveFlat(img, symbolName, opts)
	case libOrdinal == BindSpecialDylibWeakLookup:
		return s.resolveWeak(img, symbolName, opts)
	default:
		return result, errors.Wrapf(ErrUnknownOrdinal, "unknown library ordinal %d in %s when binding '%s'", libOrdinal, img.Path, symbolName)
	}

	if result.TargetImage != nil {
		alreadySearched := make([]*Image, 0, 8)
		found, err := s.hasExportedSymbol(result.TargetImage, symbolName, ModeStaticLink, &result, &alreadySearched)
		if err != nil {
			return result, err
		}
		if found {
			return s.finishResolve(img, result, opts)
		}
	}

	if opts.WeakImport {
		return bindToNull(result), nil
	}
	if opts.LazyBind && s.MissingSymbolOffset != 0 && s.LibdyldImage != nil {
		// missing lazy binds are bound to the abort stub
		result.TargetImage = s.LibdyldImage
		result.TargetOffset = s.MissingSymbolOffset
		result.Kind = BindToImage
		result.IsCode = false
		result.IsWeakDef = false
		s.noteMissingSymbol(MissingSymbol{SymbolName: symbolName, ClientPath: img.Path, ExpectedIn: expectedIn(result)})
		return result, nil
	}

	expectedPath, expectedUUID := "unknown", "no uuid"
	if result.TargetImage != nil {
		expectedPath = result.TargetImage.Path
		expectedUUID = result.TargetImage.UUIDStr()
	}
	s.noteMissingSymbol(MissingSymbol{SymbolName: symbolName, ClientPath: img.Path, ExpectedIn: expectedPath})
	return result, errors.Wrapf(ErrSymbolNotFound,
		"Symbol not found: %s\n  Referenced from: <%s> %s\n  Expected in:     <%s> %s",
		symbolName, img.UUIDStr(), img.Path, expectedUUID, expectedPath)
}

func expectedIn(r ResolvedSymbol) string {
	if r.TargetImage != nil {
		return r.TargetImage.Path
	}
	return "unknown"
}

func bindToNull(result ResolvedSymbol) ResolvedSymbol {
	result.Kind = BindAbsolute
	result.TargetImage = nil
	result.TargetOffset = 0
	return result
}

func (s *RuntimeState) resolveFlat(img *Image, symbolName string, opts ResolveOptions) (ResolvedSymbol, error) {
	result := ResolvedSymbol{SymbolName: symbolName, Kind: BindAbsolute}

	var found bool
	var lookupErr error
	var searched []string
	s.mu.RLock()
	for _, list := range [][]*Image{s.loaded, s.delayLoaded} {
		for _, ldr := range list {
			// flat lookup can look in self, even if hidden
			if ldr.HiddenFromFlat && ldr != img {
				continue
			}
			searched = append(searched, ldr.Path)
			ok, err := s.hasExportedSymbol(ldr, symbolName, ModeShallow, &result, nil)
			if err != nil {
				lookupErr = err
				break
			}
			if ok {
				found = true
				break
			}
		}
		if found || lookupErr != nil {
			break
		}
	}
	s.mu.RUnlock()

	if lookupErr != nil {
		return result, lookupErr
	}
	if found {
		// record the dynamic dependency so the found image does not get
		// unloaded from under the binding
		if result.TargetImage != img {
			s.AddDynamicReference(img, result.TargetImage)
		}
		return s.finishResolve(img, result, opts)
	}

	if opts.WeakImport {
		return bindToNull(result), nil
	}
	if opts.LazyBind && s.MissingSymbolOffset != 0 && s.LibdyldImage != nil {
		result.TargetImage = s.LibdyldImage
		result.TargetOffset = s.MissingSymbolOffset
		result.Kind = BindToImage
		result.IsMissingFlatLazy = true
		s.noteMissingSymbol(MissingSymbol{SymbolName: symbolName, ClientPath: img.Path, ExpectedIn: "flat namespace"})
		return result, nil
	}
	return result, errors.Wrapf(ErrSymbolNotFound,
		"symbol not found in flat namespace '%s' (searched: %s)", symbolName, strings.Join(searched, ", "))
}

func (s *RuntimeState) resolveWeak(img *Image, symbolName string, opts ResolveOptions) (ResolvedSymbol, error) {
	result := ResolvedSymbol{SymbolName: symbolName, Kind: BindAbsolute}

	weakDefMap := s.bumpWeakResolveCount()
	if weakDefMap != nil {
		if entry, ok := weakDefMap.Get(symbolName); ok {
			result.TargetImage = entry.targetImage
			result.TargetOffset = entry.targetOffset
			result.Kind = BindToImage
			result.IsCode = entry.isCode
			result.IsWeakDef = entry.isWeakDef
			log.Debugf("found weak-def %s in map, using impl from %s", symbolName, entry.targetImage.LeafName())
			return s.finishWeak(img, result, weakDefMap, opts)
		}
	}

	type cacheLookupResult struct {
		targetImage  *Image
		targetOffset uint64
	}
	var cacheResults []cacheLookupResult

	var foundFirst bool
	var lookupErr error
	var searched []string
	s.mu.RLock()
	for _, ldr := range s.loaded {
		if !ldr.HasWeakDefs {
			continue
		}
		// weak coalescing ignores hidden images
		if ldr.HiddenFromFlat {
			continue
		}
		searched = append(searched, ldr.Path)
		var thisResult ResolvedSymbol
		thisResult.SymbolName = symbolName
		ok, err := s.hasExportedSymbol(ldr, symbolName, ModeShallow, &thisResult, nil)
		if err != nil {
			lookupErr = err
			break
		}
		if !ok {
			continue
		}
		if thisResult.TargetImage.InSharedCache && !s.hasBeenFixedUp(ldr) {
			cacheResults = append(cacheResults, cacheLookupResult{thisResult.TargetImage, thisResult.TargetOffset})
		}
		// record the first implementation found, but keep searching
		if !foundFirst {
			foundFirst = true
			result = thisResult
			log.Debugf("using weak-def %s in %s", symbolName, thisResult.TargetImage.LeafName())
		}
		if !thisResult.IsWeakDef && result.IsWeakDef {
			// non-weak wins over a previous weak-def; the scan keeps going
			// to see if this overrides anything in the shared cache
			result = thisResult
			log.Debugf("using non-weak %s in %s", symbolName, thisResult.TargetImage.LeafName())
		}
	}
	// if not found anywhere else and the requester is hidden, look in itself
	if !foundFirst && lookupErr == nil && img.HiddenFromFlat {
		var thisResult ResolvedSymbol
		thisResult.SymbolName = symbolName
		searched = append(searched, img.Path)
		ok, err := s.hasExportedSymbol(img, symbolName, ModeShallow, &thisResult, nil)
		if err != nil {
			lookupErr = err
		} else if ok {
			foundFirst = true
			result = thisResult
		}
	}
	s.mu.RUnlock()

	if lookupErr != nil {
		return result, lookupErr
	}

	// report overridden cache definitions so live bindings get redirected
	if foundFirst && len(cacheResults) > 0 && !result.TargetImage.InSharedCache && opts.CachePatcher != nil {
		var patchedCacheOffset uint64
		for _, cr := range cacheResults {
			// re-exports surface the same impl from several dylibs, only
			// call the patcher once per unique address
			overriddenAddr := cr.targetImage.PreferredLoadAddress + cr.targetOffset
			if overriddenAddr != patchedCacheOffset {
				log.Debugf("found use of %s in cache, overriding %s", symbolName, cr.targetImage.LeafName())
				opts.CachePatcher(cr.targetImage, cr.targetOffset, result)
				patchedCacheOffset = overriddenAddr
			}
		}
	}

	if foundFirst {
		return s.finishWeak(img, result, weakDefMap, opts)
	}
	if opts.WeakImport {
		return bindToNull(result), nil
	}
	scanned := "no loaded images with weak definitions"
	if len(searched) > 0 {
		scanned = strings.Join(searched, ", ")
	}
	return result, errors.Wrapf(ErrSymbolNotFound,
		"weak-def symbol not found '%s' (searched: %s)", symbolName, scanned)
}

func (s *RuntimeState) finishWeak(img *Image, result ResolvedSymbol, weakDefMap *lru.Cache[string, weakDefEntry], opts ResolveOptions) (ResolvedSymbol, error) {
	// a weak-def bound to another image records a dynamic dependency
	if result.TargetImage != img {
		s.AddDynamicReference(img, result.TargetImage)
	}
	if weakDefMap != nil && result.TargetImage != nil && !result.TargetImage.HiddenFromFlat {
		weakDefMap.Add(result.SymbolName, weakDefEntry{
			targetImage:  result.TargetImage,
			targetOffset: result.TargetOffset,
			isCode:       result.IsCode,
			isWeakDef:    result.IsWeakDef,
		})
	}
	return s.finishResolve(img, result, opts)
}

// finishResolve applies the post-lookup policies shared by every successful
// path: variant selection and eager resolver stubs.
func (s *RuntimeState) finishResolve(img *Image, result ResolvedSymbol, opts ResolveOptions) (ResolvedSymbol, error) {
	if result.HasVariants && result.TargetImage != nil {
		tables := result.TargetImage.FunctionVariants
		if int(result.VariantTableIndex) >= len(tables) {
			return result, errors.Errorf("function variant table %d out of range in %s for '%s'",
				result.VariantTableIndex, result.TargetImage.Path, result.SymbolName)
		}
		table := tables[result.VariantTableIndex]
		if opts.VariantSelector != nil {
			idx := opts.VariantSelector(result.TargetImage, table)
			if idx < 0 || idx >= len(table) {
				idx = 0
			}
			result.VariantIndex = uint32(idx)
			result.TargetOffset = table[idx]
		}
	}

	if result.hasResolver && opts.RunResolvers && opts.ResolverRunner != nil {
		implOffset, err := opts.ResolverRunner(result.TargetImage, result.TargetOffset, result.resolverFuncOffset)
		if err != nil {
			return result, errors.Wrapf(err, "resolver for '%s' in %s failed", result.SymbolName, result.TargetImage.Path)
		}
		result.TargetOffset = implOffset
	}
	return result, nil
}

// Mode controls how far hasExportedSymbol searches from the starting image.
type Mode uint8

const (
	// ModeStaticLink searches the image and its re-exported dependencies.
	ModeStaticLink Mode = iota
	// ModeShallow searches only the image itself.
	ModeShallow
	// ModeDlsymNext skips the image itself but searches all dependents.
	ModeDlsymNext
	// ModeDlsymSelf searches the image and all dependents.
	ModeDlsymSelf
)

// HasExportedSymbol reports whether img (and, per mode, its dependents)
// exports symbolName, filling result on success.
func (s *RuntimeState) HasExportedSymbol(img *Image, symbolName string, mode Mode, result *ResolvedSymbol) (bool, error) {
	alreadySearched := make([]*Image, 0, 8)
	return s.hasExportedSymbol(img, symbolName, mode, result, &alreadySearched)
}

func (s *RuntimeState) hasExportedSymbol(img *Image, symbolName string, mode Mode, result *ResolvedSymbol, alreadySearched *[]*Image) (bool, error) {
	// don't search the same image twice
	if alreadySearched != nil {
		for _, im := range *alreadySearched {
			if im == img {
				return false, nil
			}
		}
		*alreadySearched = append(*alreadySearched, img)
	}

	var canSearchDependents, searchNonReExports, searchSelf bool
	var depsMode Mode
	switch mode {
	case ModeStaticLink:
		canSearchDependents = true
		searchSelf = true
		depsMode = ModeStaticLink
	case ModeShallow:
		searchSelf = true
		depsMode = ModeShallow
	case ModeDlsymNext:
		canSearchDependents = true
		searchNonReExports = true
		depsMode = ModeDlsymSelf
	case ModeDlsymSelf:
		canSearchDependents = true
		searchNonReExports = true
		searchSelf = true
		depsMode = ModeDlsymSelf
	}

	if img.Exports != nil {
		sym, err := img.Exports.HasExportedSymbol(symbolName)
		switch {
		case err == nil && searchSelf:
			if ord, importName, ok := sym.IsReExport(); ok {
				return s.chaseReExport(img, symbolName, ord, importName, mode, result, alreadySearched)
			}
			fillResult(img, symbolName, sym, result)
			return true, nil
		case err != nil && !errors.Is(err, trie.ErrNotFound):
			return false, err
		}
	} else {
		// legacy image, try the old slow way
		for _, sym := range img.NlistSymbols {
			if sym.Name() != symbolName {
				continue
			}
			if sym.Scope() < export.ScopeGlobal {
				continue
			}
			vmAddr, ok := sym.ImplOffset()
			if !ok {
				continue
			}
			result.TargetImage = img
			result.SymbolName = symbolName
			result.TargetOffset = vmAddr - img.PreferredLoadAddress
			result.Kind = BindToImage
			result.IsCode = false // only used for arm64e, which uses the trie
			result.IsWeakDef = sym.IsWeakDef()
			result.IsMissingFlatLazy = false
			return true, nil
		}
	}

	if canSearchDependents {
		for i := 0; i < img.DependentCount(); i++ {
			depImage, depKind := img.Dependent(i)
			if depImage == nil {
				continue
			}
			if depKind == DependentReExport || (searchNonReExports && depKind != DependentUpward) {
				found, err := s.hasExportedSymbol(depImage, symbolName, depsMode, result, alreadySearched)
				if err != nil || found {
					return found, err
				}
			}
		}
	}
	return false, nil
}

func (s *RuntimeState) chaseReExport(img *Image, symbolName string, ord int, importName string, mode Mode, result *ResolvedSymbol, alreadySearched *[]*Image) (bool, error) {
	nameChanged := importName != symbolName
	if ord <= 0 || ord > img.DependentCount() {
		return false, errors.Errorf("re-export ordinal %d in %s out of range for %s", ord, img.Path, symbolName)
	}
	depImage, _ := img.Dependent(ord - 1)
	if depImage == nil {
		// re-exported symbol from a missing weak-linked dependent
		return false, nil
	}
	// a renamed import may live in a re-exported library of the dependent,
	// so a shallow probe has to widen into a static-link search
	if nameChanged && mode == ModeShallow {
		mode = ModeStaticLink
	}
	if alreadySearched == nil {
		// shallow probes skip the visited set; seed one here so re-export
		// chains cannot loop
		fresh := make([]*Image, 0, 8)
		fresh = append(fresh, img)
		alreadySearched = &fresh
	}
	if nameChanged {
		// the old name ruled images out that may still export the new one
		fresh := make([]*Image, 0, 8)
		return s.hasExportedSymbol(depImage, importName, mode, result, &fresh)
	}
	return s.hasExportedSymbol(depImage, importName, mode, result, alreadySearched)
}

func fillResult(img *Image, symbolName string, sym export.Symbol, result *ResolvedSymbol) {
	result.TargetImage = img
	result.SymbolName = symbolName
	result.Kind = BindToImage
	result.IsWeakDef = sym.IsWeakDef()
	result.IsMissingFlatLazy = false

	if addr, ok := sym.IsAbsolute(); ok {
		result.Kind = BindAbsolute
		result.TargetOffset = addr
		result.IsCode = false
		return
	}
	if defOff, tableIdx, ok := sym.IsFunctionVariant(); ok {
		result.TargetOffset = defOff
		result.HasVariants = true
		result.VariantTableIndex = tableIdx
	} else if stubOff, funcOff, ok := sym.IsDynamicResolver(); ok {
		result.TargetOffset = stubOff
		result.hasResolver = true
		result.resolverFuncOffset = funcOff
	} else {
		off, _ := sym.ImplOffset()
		result.TargetOffset = off
	}
	result.IsCode = img.InCodeSection(result.TargetOffset)
}
