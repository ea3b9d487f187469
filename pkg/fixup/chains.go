package fixup

import (
	"encoding/binary"
	"runtime"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrOutOfRangeOrdinal is wrapped by bind ordinal bounds failures.
var ErrOutOfRangeOrdinal = errors.New("out of range bind ordinal")

// ErrChainRanOffPage is returned when a chain delta walks outside its page.
var ErrChainRanOffPage = errors.New("chain ran off end of page")

// StartsInSegment is one segment's chain start table
// (dyld_chained_starts_in_segment). The first PageCount entries of PageStarts
// are per-page; a DYLD_CHAINED_PTR_START_MULTI entry indexes overflow entries
// appended after them, the last one flagged DYLD_CHAINED_PTR_START_LAST.
type StartsInSegment struct {
	Format          DCPtrKind
	PageSize        uint16
	PageCount       int
	SegmentOffset   uint64 // vm offset of the segment within the image
	MaxValidPointer uint32 // 32-bit formats only
	PageStarts      []uint16
}

// SegmentChains couples a segment's chain table with its mapped content.
// Memory must cover PageCount*PageSize bytes.
type SegmentChains struct {
	Starts *StartsInSegment
	Memory []byte
}

// ImageChains is everything needed to fix up one image: its mapped segments,
// the resolved bind target addresses in ordinal order (0 for a missing weak
// import), and the optional pointer signer for arm64e formats.
type ImageChains struct {
	Path                 string
	LoadAddress          uint64
	PreferredLoadAddress uint64
	Targets              []uint64
	Segments             []SegmentChains
	Signer               *Signer
}

func (ic *ImageChains) slide() uint64 {
	return ic.LoadAddress - ic.PreferredLoadAddress
}

// ApplyNow walks every chain of every image in-process. Images are
// independent, so they are fixed up in parallel unless serial is set.
func ApplyNow(images []*ImageChains, serial bool) error {
	if serial || len(images) == 1 {
		for _, img := range images {
			if err := applyImage(img); err != nil {
				return err
			}
		}
		return nil
	}
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, img := range images {
		img := img
		eg.Go(func() error {
			return applyImage(img)
		})
	}
	return eg.Wait()
}

// PageInLinker lazily applies an image's chains on first page fault, out of
// process. Register may refuse (kernel policy, too many targets); the caller
// then falls back to in-process fixups.
type PageInLinker interface {
	Register(img *ImageChains) error
}

// Apply fixes up every image, preferring the page-in linker when one is
// given. A failed registration falls back to ApplyNow for that image; both
// paths produce byte-identical memory.
func Apply(images []*ImageChains, linker PageInLinker, serial bool) error {
	if linker == nil {
		return ApplyNow(images, serial)
	}
	var now []*ImageChains
	for _, img := range images {
		if err := linker.Register(img); err != nil {
			log.WithError(err).Debugf("page-in linking failed for %s, falling back to linking in-process", img.Path)
			now = append(now, img)
		}
	}
	return ApplyNow(now, serial)
}

func applyImage(img *ImageChains) error {
	for i := range img.Segments {
		seg := &img.Segments[i]
		if seg.Starts == nil {
			continue
		}
		if err := applySegment(img, seg); err != nil {
			return errors.Wrapf(err, "fixing up %s", img.Path)
		}
	}
	log.WithFields(log.Fields{
		"image":   img.Path,
		"targets": len(img.Targets),
	}).Debug("chained fixups applied")
	return nil
}

func applySegment(img *ImageChains, seg *SegmentChains) error {
	info := seg.Starts
	for pageIndex := 0; pageIndex < info.PageCount; pageIndex++ {
		offsetInPage := info.PageStarts[pageIndex]
		if offsetInPage == DYLD_CHAINED_PTR_START_NONE {
			continue
		}
		if offsetInPage&DYLD_CHAINED_PTR_START_MULTI != 0 {
			// several chains start in this page
			overflowIndex := int(offsetInPage &^ DYLD_CHAINED_PTR_START_MULTI)
			for {
				if overflowIndex >= len(info.PageStarts) {
					return errors.Errorf("page start overflow index %d out of range", overflowIndex)
				}
				entry := info.PageStarts[overflowIndex]
				if err := walkChain(img, seg, pageIndex, uint64(entry&^DYLD_CHAINED_PTR_START_LAST)); err != nil {
					return err
				}
				if entry&DYLD_CHAINED_PTR_START_LAST != 0 {
					break
				}
				overflowIndex++
			}
		} else {
			if err := walkChain(img, seg, pageIndex, uint64(offsetInPage)); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkChain fixes up one chain. The delta to the next slot is read from the
// pre-overwrite encoding, so each slot is decoded before it is rewritten.
func walkChain(img *ImageChains, seg *SegmentChains, pageIndex int, offsetInPage uint64) error {
	info := seg.Starts
	pageSize := uint64(info.PageSize)
	pageBase := uint64(pageIndex) * pageSize
	stride := info.Format.Stride()
	slotSize := uint64(8)
	if !info.Format.Is64() {
		slotSize = 4
	}

	for {
		if offsetInPage+slotSize > pageSize {
			return errors.Wrapf(ErrChainRanOffPage, "page %d offset 0x%x", pageIndex, offsetInPage)
		}
		slot := pageBase + offsetInPage
		if slot+slotSize > uint64(len(seg.Memory)) {
			return errors.Errorf("fixup slot at 0x%x past end of segment", slot)
		}

		var next uint64
		var err error
		if info.Format.Is64() {
			raw := binary.LittleEndian.Uint64(seg.Memory[slot:])
			var value uint64
			value, next, err = fixupSlot64(img, info.Format, info.SegmentOffset+slot, raw)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(seg.Memory[slot:], value)
		} else {
			raw := binary.LittleEndian.Uint32(seg.Memory[slot:])
			var value uint32
			value, next, err = fixupSlot32(img, info, raw)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(seg.Memory[slot:], value)
		}

		if next == 0 {
			return nil
		}
		offsetInPage += next * stride
	}
}

// fixupSlot64 computes the final pointer value of one 64-bit slot and returns
// it with the chain delta decoded from the original encoding. slotVMOffset is
// the slot's vm offset in the image, used as the signing salt.
func fixupSlot64(img *ImageChains, format DCPtrKind, slotVMOffset uint64, raw uint64) (uint64, uint64, error) {
	if format.IsArm64e() {
		p := Arm64e(raw)
		next := p.Next()
		if p.IsAuth() {
			loc := img.LoadAddress + slotVMOffset
			if p.IsBind() {
				ordinal := p.Ordinal(format)
				if int(ordinal) >= len(img.Targets) {
					return 0, 0, errors.Wrapf(ErrOutOfRangeOrdinal, "out of range bind ordinal %d (max %d)", ordinal, len(img.Targets))
				}
				// missing weak imports stay null, unsigned
				value := img.Targets[ordinal]
				if value != 0 && img.Signer != nil {
					value = uint64(img.Signer.Sign(value, loc, p.Key(), p.Diversity(), p.AddrDiv()))
				}
				return value, next, nil
			}
			value := img.LoadAddress + p.AuthTarget()
			if img.Signer != nil {
				value = uint64(img.Signer.Sign(value, loc, p.Key(), p.Diversity(), p.AddrDiv()))
			}
			return value, next, nil
		}
		if p.IsBind() {
			ordinal := p.Ordinal(format)
			if int(ordinal) >= len(img.Targets) {
				return 0, 0, errors.Wrapf(ErrOutOfRangeOrdinal, "out of range bind ordinal %d (max %d)", ordinal, len(img.Targets))
			}
			return img.Targets[ordinal] + uint64(p.SignExtendedAddend()), next, nil
		}
		// old formats store the vmaddr, new formats the vm offset
		if format == DYLD_CHAINED_PTR_ARM64E || format == DYLD_CHAINED_PTR_ARM64E_FIRMWARE {
			return p.UnpackTarget() + img.slide(), next, nil
		}
		return img.LoadAddress + p.UnpackTarget(), next, nil
	}

	p := Generic64(raw)
	next := p.Next()
	if p.IsBind() {
		ordinal := p.Ordinal()
		if int(ordinal) >= len(img.Targets) {
			return 0, 0, errors.Wrapf(ErrOutOfRangeOrdinal, "out of range bind ordinal %d (max %d)", ordinal, len(img.Targets))
		}
		return img.Targets[ordinal] + uint64(p.SignExtendedAddend()), next, nil
	}
	if format == DYLD_CHAINED_PTR_64 {
		return p.UnpackedTarget() + img.slide(), next, nil
	}
	return img.LoadAddress + p.UnpackedTarget(), next, nil
}

func fixupSlot32(img *ImageChains, info *StartsInSegment, raw uint32) (uint32, uint64, error) {
	p := Generic32(raw)
	next := p.Next()
	if p.IsBind() {
		ordinal := p.Ordinal()
		if int(ordinal) >= len(img.Targets) {
			return 0, 0, errors.Wrapf(ErrOutOfRangeOrdinal, "out of range bind ordinal %d (max %d)", ordinal, len(img.Targets))
		}
		return uint32(img.Targets[ordinal]) + p.Addend(), next, nil
	}
	if p.Target() > info.MaxValidPointer {
		// a non-pointer co-opted into the chain, undo the encoding bias
		bias := (0x04000000 + info.MaxValidPointer) / 2
		return p.Target() - bias, next, nil
	}
	return p.Target() + uint32(img.slide()), next, nil
}
