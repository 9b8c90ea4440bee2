// Package sdfs implements the unified SD filesystem tree (Nintendo
// 3DS/id0/id1) with per-file AES-CTR decryption, replacing the source's
// two overlapping sd/sdfs modules with a single variant rooted at SDRoot
// (spec §3 "SD root", §4.9, §9's "deprecated parallel SD APIs").
package sdfs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/keyengine"
	"github.com/sargunv/ctrtools/lib/treefs"
)

const (
	sdKeySlot  = keyengine.Slot(0x34)
	rootDirName = "Nintendo 3DS"
)

// ID0FromKeyY computes the id0 directory name from the 16-byte movable.sed
// SD KeyY: SHA-256, first 16 bytes, interpreted as four little-endian u32,
// hex-formatted (spec §3).
func ID0FromKeyY(keyY [16]byte) string {
	sum := sha256.Sum256(keyY[:])
	var out [16]byte
	copy(out[:], sum[:16])
	var sb strings.Builder
	for i := 0; i < 4; i++ {
		v := binary.LittleEndian.Uint32(out[i*4:])
		fmt.Fprintf(&sb, "%08x", v)
	}
	return sb.String()
}

var _ treefs.FS = (*Root)(nil)

// Root is an opened SD tree rooted at the "Nintendo 3DS" directory on a
// real filesystem path.
type Root struct {
	path       string
	id0        string
	id1s       []string
	currentID1 string
	engine     *keyengine.Engine
}

// Open enumerates id0 directories under path/Nintendo 3DS, selects the one
// matching keyY's derived id0, and enumerates its id1 children.
func Open(engine *keyengine.Engine, path string, keyY [16]byte) (*Root, error) {
	id0 := ID0FromKeyY(keyY)
	base := filepath.Join(path, rootDirName)
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, ctrerrors.IO("listing SD root", err)
	}
	found := false
	for _, e := range entries {
		if e.IsDir() && strings.EqualFold(e.Name(), id0) {
			found = true
			break
		}
	}
	if !found {
		return nil, ctrerrors.New(ctrerrors.KindMissingID0, "sdfs: no id0 directory matches SD KeyY")
	}

	id1Entries, err := os.ReadDir(filepath.Join(base, id0))
	if err != nil {
		return nil, ctrerrors.IO("listing id0 directory", err)
	}
	var id1s []string
	for _, e := range id1Entries {
		if e.IsDir() && len(e.Name()) == 32 {
			id1s = append(id1s, e.Name())
		}
	}
	if len(id1s) == 0 {
		return nil, ctrerrors.New(ctrerrors.KindMissingID1, "sdfs: id0 directory has no id1 children")
	}
	sort.Strings(id1s)

	r := &Root{path: base, id0: id0, id1s: id1s, currentID1: id1s[0], engine: engine}
	r.engine.SetKeyslotBytes(sdKeySlot, keyengine.WhichY, keyY, keyengine.SuppressNormalUpdate())
	return r, nil
}

// ID0 returns the selected id0 directory name.
func (r *Root) ID0() string { return r.id0 }

// ID1s returns every enumerated id1 directory name.
func (r *Root) ID1s() []string { return r.id1s }

// SetCurrentID1 selects which id1 subtree subsequent Open calls use.
func (r *Root) SetCurrentID1(id1 string) { r.currentID1 = id1 }

func (r *Root) id1Path() string { return filepath.Join(r.path, r.id0, r.currentID1) }

// isDSiWare reports whether relPath falls under the unsupported DSiWare
// tree (spec §4.9).
func isDSiWare(relPath string) bool {
	return strings.HasPrefix(strings.ToLower(filepath.ToSlash(relPath)), "nintendo dsiware/")
}

// OpenCTR decrypts the file at relPath (relative to the id1 root) with
// AES-CTR under the SD keyslot, IV derived from its canonicalised path
// (spec §4.9).
func (r *Root) OpenCTR(relPath string) (*keyengine.CTRStream, error) {
	if isDSiWare(relPath) {
		return nil, ctrerrors.New(ctrerrors.KindUnsupportedDSiWare, "sdfs: DSiWare re-encryption not implemented")
	}
	fullPath := filepath.Join(r.id1Path(), filepath.FromSlash(relPath))
	f, err := os.OpenFile(fullPath, os.O_RDWR, 0)
	if err != nil {
		f, err = os.Open(fullPath)
		if err != nil {
			return nil, ctrerrors.IO("opening sd file", err)
		}
	}
	info, err := f.Stat()
	if err != nil {
		return nil, ctrerrors.IO("stat sd file", err)
	}
	iv, err := keyengine.SDPathToIV(relPath)
	if err != nil {
		return nil, err
	}
	base := &sizedFile{File: f, size: info.Size()}
	r.engine.UpdateNormalKeys()
	return r.engine.CreateCTRIO(sdKeySlot, base, iv)
}

// sizedFile adapts *os.File to keyengine.RandomAccessStream.
type sizedFile struct {
	*os.File
	size int64
}

func (s *sizedFile) Size() int64 { return s.size }

// --- treefs.FS over the real filesystem, rooted at the current id1 ---

func (r *Root) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.id1Path(), filepath.FromSlash(path)))
	if err != nil {
		return nil, ctrerrors.IO("listing sd directory", err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (r *Root) GetInfo(path string) (treefs.Info, error) {
	info, err := os.Stat(filepath.Join(r.id1Path(), filepath.FromSlash(path)))
	if err != nil {
		return treefs.Info{}, ctrerrors.IO("stat sd path", err)
	}
	return treefs.Info{Size: info.Size(), IsFile: !info.IsDir(), IsDir: info.IsDir()}, nil
}

func (r *Root) Exists(path string) bool {
	_, err := os.Stat(filepath.Join(r.id1Path(), filepath.FromSlash(path)))
	return err == nil
}

// Open implements treefs.FS: it decrypts path the same way OpenCTR does.
func (r *Root) Open(path string) (treefs.File, error) {
	return r.OpenCTR(path)
}

func (r *Root) ScanDir(path string) (map[string]treefs.Info, error) {
	names, err := r.ListDir(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]treefs.Info, len(names))
	for _, name := range names {
		info, err := r.GetInfo(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		out[name] = info
	}
	return out, nil
}

func (r *Root) Walk(path string, fn func(path string, info treefs.Info) error) error {
	names, err := r.ListDir(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		childPath := filepath.Join(path, name)
		info, err := r.GetInfo(childPath)
		if err != nil {
			return err
		}
		if info.IsFile {
			if err := fn(childPath, info); err != nil {
				return err
			}
		} else if err := r.Walk(childPath, fn); err != nil {
			return err
		}
	}
	return nil
}
