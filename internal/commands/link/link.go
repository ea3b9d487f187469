// Package link turns image-set descriptions into runtime states the resolver
// and closure builder can consume.
package link

import (
	"encoding/json"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/blacktop/go-dyld/pkg/export"
	"github.com/blacktop/go-dyld/pkg/loader"
	"github.com/blacktop/go-dyld/pkg/trie"
)

// ExportSpec is one exported symbol of an image description.
type ExportSpec struct {
	Name            string `json:"name"`
	Offset          uint64 `json:"offset"`
	Weak            bool   `json:"weak,omitempty"`
	ThreadLocal     bool   `json:"thread_local,omitempty"`
	Absolute        bool   `json:"absolute,omitempty"`
	ReExportOrdinal int    `json:"reexport_ordinal,omitempty"`
	ReExportName    string `json:"reexport_name,omitempty"`
}

// DepSpec is one dependency edge, by install path.
type DepSpec struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"` // regular, weak, upward, reexport
}

// BindSpec is one symbolic reference the image needs resolved.
type BindSpec struct {
	Symbol     string `json:"symbol"`
	Ordinal    int    `json:"ordinal"`
	WeakImport bool   `json:"weak_import,omitempty"`
	LazyBind   bool   `json:"lazy_bind,omitempty"`
	Addend     int64  `json:"addend,omitempty"`
}

// ImageSpec describes one image of an image set.
type ImageSpec struct {
	Path                 string       `json:"path"`
	Main                 bool         `json:"main,omitempty"`
	LoadAddress          uint64       `json:"load_address"`
	PreferredLoadAddress uint64       `json:"preferred_load_address,omitempty"`
	InSharedCache        bool         `json:"in_shared_cache,omitempty"`
	HiddenFromFlat       bool         `json:"hidden_from_flat,omitempty"`
	DelayLoaded          bool         `json:"delay_loaded,omitempty"`
	Exports              []ExportSpec `json:"exports,omitempty"`
	Deps                 []DepSpec    `json:"deps,omitempty"`
	Binds                []BindSpec   `json:"binds,omitempty"`
}

// ImageSet is the top-level image-set description, images in load order.
type ImageSet struct {
	Images []ImageSpec `json:"images"`
}

// Parse reads an image-set description.
func Parse(r io.Reader) (*ImageSet, error) {
	var set ImageSet
	if err := json.NewDecoder(r).Decode(&set); err != nil {
		return nil, errors.Wrap(err, "failed to parse image set")
	}
	if len(set.Images) == 0 {
		return nil, errors.New("image set has no images")
	}
	return &set, nil
}

// ParseFile reads an image-set description from a file.
func ParseFile(path string) (*ImageSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	return Parse(f)
}

func (e ExportSpec) symbol() (export.Symbol, error) {
	switch {
	case e.ReExportName != "" || e.ReExportOrdinal != 0:
		return export.MakeReExport(e.Name, e.ReExportOrdinal, e.ReExportName), nil
	case e.Absolute:
		return export.MakeAbsoluteExport(e.Name, e.Offset, false), nil
	case e.ThreadLocal:
		return export.MakeThreadLocalExport(e.Name, e.Offset, 1, false, false, e.Weak), nil
	case e.Weak:
		return export.MakeWeakDefExport(e.Name, e.Offset, 1, false, false), nil
	default:
		return export.MakeRegularExport(e.Name, e.Offset, 1, false, false), nil
	}
}

func depKind(kind string) (loader.DependentKind, error) {
	switch kind {
	case "", "regular":
		return loader.DependentRegular, nil
	case "weak":
		return loader.DependentWeakLink, nil
	case "upward":
		return loader.DependentUpward, nil
	case "reexport":
		return loader.DependentReExport, nil
	}
	return loader.DependentRegular, errors.Errorf("unknown dependent kind '%s'", kind)
}

// BuildState materializes the image set into a runtime state plus the group
// of images that carry bind requests.
func (set *ImageSet) BuildState() (*loader.RuntimeState, *loader.ImageGroup, error) {
	byPath := make(map[string]*loader.Image, len(set.Images))
	images := make([]*loader.Image, 0, len(set.Images))
	var main *loader.Image

	for _, spec := range set.Images {
		img := &loader.Image{
			Path:                 spec.Path,
			UUID:                 uuid.New(),
			LoadAddress:          spec.LoadAddress,
			PreferredLoadAddress: spec.PreferredLoadAddress,
			InSharedCache:        spec.InSharedCache,
			HiddenFromFlat:       spec.HiddenFromFlat,
		}
		if len(spec.Exports) > 0 {
			syms := make([]export.Symbol, 0, len(spec.Exports))
			for _, e := range spec.Exports {
				sym, err := e.symbol()
				if err != nil {
					return nil, nil, err
				}
				if sym.IsWeakDef() {
					img.HasWeakDefs = true
				}
				syms = append(syms, sym)
			}
			data, err := export.BuildExportsTrie(syms, trie.NeedsSort())
			if err != nil {
				return nil, nil, errors.Wrapf(err, "building exports trie for %s", spec.Path)
			}
			img.Exports = export.NewExportsTrie(data)
		}
		for _, b := range spec.Binds {
			img.Binds = append(img.Binds, loader.BindRequest{
				SymbolName: b.Symbol,
				LibOrdinal: b.Ordinal,
				WeakImport: b.WeakImport,
				LazyBind:   b.LazyBind,
				Addend:     b.Addend,
			})
		}
		if spec.Main {
			if main != nil {
				return nil, nil, errors.Errorf("both %s and %s are marked main", main.Path, spec.Path)
			}
			main = img
		}
		byPath[spec.Path] = img
		images = append(images, img)
	}

	// second pass, now that every image exists
	for i, spec := range set.Images {
		for _, d := range spec.Deps {
			kind, err := depKind(d.Kind)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "in %s", spec.Path)
			}
			dep := byPath[d.Path] // nil models a missing weak-linked dependent
			if dep == nil && kind != loader.DependentWeakLink {
				return nil, nil, errors.Errorf("%s depends on %s which is not in the image set", spec.Path, d.Path)
			}
			images[i].Deps = append(images[i].Deps, loader.Dependent{Image: dep, Kind: kind})
		}
	}

	state := loader.NewRuntimeState(main)
	var group loader.ImageGroup
	group.State = state
	for i, spec := range set.Images {
		img := images[i]
		if img != main {
			if spec.DelayLoaded {
				state.AddDelayLoaded(img)
			} else {
				state.Add(img)
			}
		}
		if len(img.Binds) > 0 {
			group.Images = append(group.Images, img)
		}
	}
	return state, &group, nil
}
