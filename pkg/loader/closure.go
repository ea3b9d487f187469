package loader

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FixupTarget is one entry of an image's ordered bind target table. Fixup
// chains reference these positionally by bind ordinal.
type FixupTarget struct {
	SymbolName      string `json:"symbol"`
	TargetPath      string `json:"target,omitempty"` // empty for absolute binds
	TargetOffset    uint64 `json:"offset"`
	Addend          int64  `json:"addend,omitempty"`
	Absolute        bool   `json:"absolute,omitempty"`
	WeakDef         bool   `json:"weak_def,omitempty"`
	MissingFlatLazy bool   `json:"missing_flat_lazy,omitempty"`
}

// ClosureImage is one image's pre-resolved state inside a closure.
type ClosureImage struct {
	Path                 string        `json:"path"`
	UUID                 uuid.UUID     `json:"uuid,omitempty"`
	PreferredLoadAddress uint64        `json:"preferred_load_address"`
	DepPaths             []string      `json:"deps,omitempty"`
	Targets              []FixupTarget `json:"targets,omitempty"`
}

// Closure captures every resolution an image group needs at launch, so a
// later launch can skip the symbol searches entirely.
type Closure struct {
	ID      uuid.UUID      `json:"id"`
	BuiltAt time.Time      `json:"built_at"`
	Images  []ClosureImage `json:"images"`
}

// ImageGroup is the closure-build entry point: a runtime state plus the
// subset of images whose binds get pre-resolved. CLI tooling must come
// through here rather than re-implementing resolution.
type ImageGroup struct {
	State  *RuntimeState
	Images []*Image
}

// MakeClosure resolves every bind request of every image in the group into
// ordered fixup target tables. Resolver stubs are recorded by stub offset,
// never run, so the closure stays side-effect free.
func (g *ImageGroup) MakeClosure() (*Closure, error) {
	closure := &Closure{
		ID:      uuid.New(),
		BuiltAt: time.Now().UTC(),
	}

	for _, img := range g.Images {
		ci := ClosureImage{
			Path:                 img.Path,
			UUID:                 img.UUID,
			PreferredLoadAddress: img.PreferredLoadAddress,
		}
		for _, dep := range img.Deps {
			if dep.Image != nil {
				ci.DepPaths = append(ci.DepPaths, dep.Image.Path)
			} else {
				ci.DepPaths = append(ci.DepPaths, "")
			}
		}

		for _, bind := range img.Binds {
			res, err := g.State.Resolve(img, bind.LibOrdinal, bind.SymbolName, ResolveOptions{
				WeakImport: bind.WeakImport,
				LazyBind:   bind.LazyBind,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "building closure for %s", img.Path)
			}
			target := FixupTarget{
				SymbolName:      res.SymbolName,
				TargetOffset:    res.TargetOffset,
				Addend:          bind.Addend,
				WeakDef:         res.IsWeakDef,
				MissingFlatLazy: res.IsMissingFlatLazy,
			}
			if res.Kind == BindAbsolute {
				target.Absolute = true
			} else {
				target.TargetPath = res.TargetImage.Path
			}
			ci.Targets = append(ci.Targets, target)
		}
		log.WithFields(log.Fields{
			"image":   img.LeafName(),
			"targets": len(ci.Targets),
		}).Debug("closure image resolved")

		closure.Images = append(closure.Images, ci)
	}

	return closure, nil
}

// BindTargets materializes an image's table from a closure for the fixup
// engine: one resolved address per target, in bind ordinal order. Recorded
// addends are folded in here; absolute entries (including missing weak
// imports bound to null) keep their recorded value untouched.
func (c *Closure) BindTargets(state *RuntimeState, imagePath string) ([]uint64, error) {
	for _, ci := range c.Images {
		if ci.Path != imagePath {
			continue
		}
		addrs := make([]uint64, 0, len(ci.Targets))
		for _, t := range ci.Targets {
			if t.Absolute {
				addrs = append(addrs, t.TargetOffset)
				continue
			}
			img := state.ImageForPath(t.TargetPath)
			if img == nil {
				return nil, errors.Errorf("closure target image %s is not loaded", t.TargetPath)
			}
			addrs = append(addrs, img.LoadAddress+t.TargetOffset+uint64(t.Addend))
		}
		return addrs, nil
	}
	return nil, errors.Errorf("image %s not in closure", imagePath)
}

// Write serializes the closure as JSON.
func (c *Closure) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// ReadClosure deserializes a closure written by Write.
func ReadClosure(r io.Reader) (*Closure, error) {
	var c Closure
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.Wrap(err, "failed to parse closure file")
	}
	return &c, nil
}

func (c *Closure) String() string {
	return fmt.Sprintf("closure %s (%d images)", c.ID, len(c.Images))
}
