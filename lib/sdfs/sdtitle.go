package sdfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sargunv/ctrtools/lib/ctrerrors"
	"github.com/sargunv/ctrtools/lib/ctrio"
	"github.com/sargunv/ctrtools/lib/ncch"
	"github.com/sargunv/ctrtools/lib/seeddb"
	"github.com/sargunv/ctrtools/lib/tmd"
)

// Title is an assembled SD-installed title: its TMD plus one NCCH reader
// per content, each backed by the corresponding decrypted .app file
// (spec §4.9's open_title).
type Title struct {
	TMD      *tmd.TMD
	Contents []TitleContent
}

// TitleContent pairs a TMD content chunk with its opened NCCH reader.
type TitleContent struct {
	Chunk  tmd.ContentChunk
	NCCH   *ncch.Reader
	Absent bool
}

// OpenTitle locates title/<high>/<low>/content/*.tmd for titleID, picks
// the file with the smallest numeric prefix, and assembles its contents
// via the same CTR-decrypted-content code path CIA/CDN readers use
// (spec §4.9).
func (r *Root) OpenTitle(titleID uint64, seeds *seeddb.DB) (*Title, error) {
	high := fmt.Sprintf("%08x", titleID>>32)
	low := fmt.Sprintf("%08x", titleID&0xFFFFFFFF)
	contentDir := filepath.Join("title", high, low, "content")

	entries, err := r.ListDir(contentDir)
	if err != nil {
		return nil, ctrerrors.New(ctrerrors.KindMissingTitle, "sdfs: no content directory for title "+high+low)
	}

	var best string
	var bestNum int64 = -1
	for _, name := range entries {
		if !strings.HasSuffix(strings.ToLower(name), ".tmd") {
			continue
		}
		prefix := strings.TrimSuffix(name, filepath.Ext(name))
		num, err := strconv.ParseInt(prefix, 16, 64)
		if err != nil {
			continue
		}
		if bestNum < 0 || num < bestNum {
			bestNum, best = num, name
		}
	}
	if best == "" {
		return nil, ctrerrors.New(ctrerrors.KindMissingTitle, "sdfs: no tmd found for title "+high+low)
	}

	tmdStream, err := r.OpenCTR(filepath.Join(contentDir, best))
	if err != nil {
		return nil, err
	}
	tmdBytes := make([]byte, tmdStream.Size())
	if _, err := tmdStream.ReadAt(tmdBytes, 0); err != nil {
		return nil, ctrerrors.IO("reading sd title tmd", err)
	}
	parsedTMD, err := tmd.Parse(tmdBytes)
	if err != nil {
		return nil, err
	}

	title := &Title{TMD: parsedTMD}
	for _, chunk := range parsedTMD.Contents {
		contentName := fmt.Sprintf("%08x.app", chunk.ID)
		contentPath := filepath.Join(contentDir, contentName)
		fullPath := filepath.Join(r.id1Path(), contentPath)
		if _, err := os.Stat(fullPath); err != nil {
			title.Contents = append(title.Contents, TitleContent{Chunk: chunk, Absent: true})
			continue
		}
		cstream, err := r.OpenCTR(contentPath)
		if err != nil {
			title.Contents = append(title.Contents, TitleContent{Chunk: chunk, Absent: true})
			continue
		}
		base := ctrio.NewSharedBase(cstream)
		reader, err := ncch.Open(r.engine.Clone(), base, 0, ncch.Options{Seeds: seeds})
		if err != nil {
			title.Contents = append(title.Contents, TitleContent{Chunk: chunk, Absent: true})
			continue
		}
		title.Contents = append(title.Contents, TitleContent{Chunk: chunk, NCCH: reader})
	}

	sort.Slice(title.Contents, func(i, j int) bool { return title.Contents[i].Chunk.Index < title.Contents[j].Chunk.Index })
	return title, nil
}
