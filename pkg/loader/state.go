package loader

import (
	"sync"

	"github.com/apex/log"
	"github.com/dominikbraun/graph"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Past this many weak resolutions the process is assumed to be a large C++
// app and a name-keyed cache replaces repeated O(images) scans.
const weakDefMapThreshold = 5000

// Capacity of the weak-def cache.
const weakDefMapSize = 16384

type weakDefEntry struct {
	targetImage  *Image
	targetOffset uint64
	isCode       bool
	isWeakDef    bool
}

// MissingSymbol records a reference that degraded to the missing-symbol trap
// instead of failing the resolve.
type MissingSymbol struct {
	SymbolName string
	ClientPath string
	ExpectedIn string
}

// RuntimeState tracks every loaded image and the shared resolution caches.
// There are no package globals: one RuntimeState carries all mutable state
// and its lock serializes image load/unload against concurrent resolution.
type RuntimeState struct {
	mu          sync.RWMutex
	loaded      []*Image
	delayLoaded []*Image

	// MainExecutable satisfies the main-executable special ordinal.
	MainExecutable *Image

	// LibdyldImage and MissingSymbolOffset name the trap stub that missing
	// lazily-bound symbols bind to. A zero offset disables the trap path.
	LibdyldImage        *Image
	MissingSymbolOffset uint64

	// SerialWork disables data-parallel work for debugging.
	SerialWork bool

	weakDefResolveSymbolCount int
	weakDefMap                *lru.Cache[string, weakDefEntry]

	dynamicRefs graph.Graph[string, *Image]

	missingSymbols      []MissingSymbol
	launchMissingSymbol *MissingSymbol
}

// NewRuntimeState makes an empty runtime state. The main executable, when
// given, is also the first loaded image.
func NewRuntimeState(main *Image) *RuntimeState {
	s := &RuntimeState{
		MainExecutable: main,
		dynamicRefs: graph.New(func(img *Image) string { return img.Path },
			graph.Directed()),
	}
	if main != nil {
		s.loaded = append(s.loaded, main)
	}
	return s
}

// Add appends an image to the loaded list, in load order.
func (s *RuntimeState) Add(img *Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = append(s.loaded, img)
}

// AddDelayLoaded appends an image to the delay-loaded list. Flat lookups
// scan these after the primary list.
func (s *RuntimeState) AddDelayLoaded(img *Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayLoaded = append(s.delayLoaded, img)
}

// Loaded returns a snapshot of the primary load list.
func (s *RuntimeState) Loaded() []*Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Image(nil), s.loaded...)
}

// ImageForPath finds a loaded image by install path.
func (s *RuntimeState) ImageForPath(path string) *Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, img := range s.loaded {
		if img.Path == path {
			return img
		}
	}
	for _, img := range s.delayLoaded {
		if img.Path == path {
			return img
		}
	}
	return nil
}

// SetFixedUp marks an image's chained fixups as applied. Weak resolution
// treats exports of not-yet-fixed-up cache images as patchable.
func (s *RuntimeState) SetFixedUp(img *Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img.hasBeenFixedUp = true
}

func (s *RuntimeState) hasBeenFixedUp(img *Image) bool {
	return img.hasBeenFixedUp
}

// AddDynamicReference records that from now depends on to, so to cannot be
// unloaded out from under a flat or weak binding. Self edges are not
// recorded.
func (s *RuntimeState) AddDynamicReference(from, to *Image) {
	if from == to || from == nil || to == nil {
		return
	}
	_ = s.dynamicRefs.AddVertex(from)
	_ = s.dynamicRefs.AddVertex(to)
	if err := s.dynamicRefs.AddEdge(from.Path, to.Path); err != nil &&
		!errors.Is(err, graph.ErrEdgeAlreadyExists) {
		log.WithError(err).Debugf("failed to record dynamic reference %s -> %s", from.LeafName(), to.LeafName())
	}
}

// HasDynamicReference reports whether a dynamic dependency edge exists.
func (s *RuntimeState) HasDynamicReference(from, to *Image) bool {
	if from == nil || to == nil {
		return false
	}
	_, err := s.dynamicRefs.Edge(from.Path, to.Path)
	return err == nil
}

// MissingSymbols returns the lazily-bound references that degraded to the
// trap stub.
func (s *RuntimeState) MissingSymbols() []MissingSymbol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MissingSymbol(nil), s.missingSymbols...)
}

// LaunchMissingSymbol returns the first missing symbol hit before the
// process finished launching, if any.
func (s *RuntimeState) LaunchMissingSymbol() *MissingSymbol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.launchMissingSymbol
}

func (s *RuntimeState) noteMissingSymbol(m MissingSymbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingSymbols = append(s.missingSymbols, m)
	if s.launchMissingSymbol == nil {
		s.launchMissingSymbol = &m
	}
}

// bumpWeakResolveCount counts weak resolutions and lazily creates the cache
// once the volume crosses the threshold.
func (s *RuntimeState) bumpWeakResolveCount() *lru.Cache[string, weakDefEntry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weakDefResolveSymbolCount++
	if s.weakDefResolveSymbolCount > weakDefMapThreshold && s.weakDefMap == nil {
		cache, err := lru.New[string, weakDefEntry](weakDefMapSize)
		if err != nil {
			log.WithError(err).Debug("failed to create weak-def cache")
			return nil
		}
		s.weakDefMap = cache
		log.Debugf("weak-def resolution volume crossed %d, caching by name", weakDefMapThreshold)
	}
	return s.weakDefMap
}
