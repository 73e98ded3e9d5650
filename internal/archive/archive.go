// Package archive packs a staged batch into the zip the training provider downloads.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/intake"
)

// entryTime is stamped on every entry so equal inputs give byte-identical archives.
var entryTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

type Builder struct {
	dir string
}

func NewBuilder(dir string) *Builder {
	return &Builder{dir: dir}
}

// Build writes "{clean_username}_{user_id}.zip" holding the batch images under
// their base names and returns its path. On error no archive is left behind.
func (b *Builder) Build(batch *intake.Batch) (string, error) {
	files := jpegs(batch.Images)
	if len(files) == 0 {
		return "", errs.Validation("images", "no images to archive")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	dst := filepath.Join(b.dir, intake.UserDirName(batch.UserID, batch.Username)+".zip")
	tmp, err := os.CreateTemp(b.dir, ".archive-*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := write(tmp, files); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}
	committed = true
	return dst, nil
}

// Remove deletes a built archive once it has been uploaded.
func (b *Builder) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func write(w io.Writer, files []string) error {
	zw := zip.NewWriter(w)
	for _, path := range files {
		if err := addFile(zw, path); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer src.Close()

	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(path),
		Method:   zip.Deflate,
		Modified: entryTime,
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(fw, src); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(path), err)
	}
	return nil
}

func jpegs(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".jpg") {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return entryLess(filepath.Base(out[i]), filepath.Base(out[j])) })
	return out
}

// entryLess orders "image_{n}.jpg" by n so image_2 precedes image_10.
// Names without a numeric suffix sort after numbered ones, by name.
func entryLess(a, b string) bool {
	na, aok := imageIndex(a)
	nb, bok := imageIndex(b)
	switch {
	case aok && bok && na != nb:
		return na < nb
	case aok != bok:
		return aok
	}
	return a < b
}

func imageIndex(name string) (int, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndexByte(stem, '_')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(stem[i+1:])
	return n, err == nil
}
