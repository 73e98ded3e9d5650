// Package intake validates uploaded training photos and normalizes them into
// a per-user staging directory as opaque JPEGs.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/metrics"
)

const (
	manifestName = "manifest.json"
	jpegQuality  = 95
)

// Upload is one file from the multipart request.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Batch is the current set of staged images for a user.
type Batch struct {
	ID        uuid.UUID `json:"batch_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`

	Dir    string   `json:"-"`
	Images []string `json:"-"`
}

type Stager struct {
	root      string
	maxImages int
	workers   int
	log       *slog.Logger

	dirLocks sync.Map
}

func NewStager(root string, maxImages, workers int, log *slog.Logger) *Stager {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Stager{root: root, maxImages: maxImages, workers: workers, log: log}
}

// Stage replaces the user's staged images with the normalized uploads.
// Nothing on disk changes unless every upload passes the declared-type and
// count checks. Images are normalized into a sibling temp directory that is
// swapped in whole, so Load never observes a mixed or partial batch. A decode
// failure leaves nothing staged.
func (s *Stager) Stage(ctx context.Context, userID int64, username string, uploads []Upload) (*Batch, error) {
	if err := s.check(uploads); err != nil {
		return nil, err
	}

	id := uuid.New()
	dir := s.userDir(userID, username)
	tmp := dir + ".tmp-" + id.String()
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	names := make([]string, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, u := range uploads {
		names[i] = imageName(i + 1)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return normalize(u, filepath.Join(tmp, names[i]))
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := s.Clear(userID, username); cerr != nil {
			s.log.Warn("failed to clear staging dir", "user_id", userID, "error", cerr)
		}
		return nil, err
	}

	b := &Batch{
		ID:        id,
		UserID:    userID,
		Username:  username,
		Count:     len(names),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeManifest(tmp, b); err != nil {
		return nil, err
	}

	unlock := s.lock(dir)
	err := swapDir(tmp, dir, id)
	unlock()
	if err != nil {
		return nil, err
	}

	b.Dir = dir
	b.Images = make([]string, len(names))
	for i, name := range names {
		b.Images[i] = filepath.Join(dir, name)
	}
	metrics.ImagesStagedTotal.Add(float64(b.Count))
	s.log.Info("images staged", "user_id", userID, "batch_id", b.ID, "count", b.Count)
	return b, nil
}

// swapDir moves next into place at dir, discarding whatever was there.
// Callers hold the dir lock.
func swapDir(next, dir string, id uuid.UUID) error {
	old := dir + ".old-" + id.String()
	if err := os.Rename(dir, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("retire staging dir: %w", err)
	}
	if err := os.Rename(next, dir); err != nil {
		return fmt.Errorf("install staging dir: %w", err)
	}
	return os.RemoveAll(old)
}

// lock serializes swaps and reads of one user's staging dir in this process.
func (s *Stager) lock(dir string) func() {
	v, _ := s.dirLocks.LoadOrStore(dir, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func imageName(n int) string {
	return fmt.Sprintf("image_%d.jpg", n)
}

func (s *Stager) check(uploads []Upload) error {
	if len(uploads) == 0 {
		return errs.Validation("images", "at least one image is required")
	}
	if s.maxImages > 0 && len(uploads) > s.maxImages {
		return errs.Validation("images", fmt.Sprintf("at most %d images are allowed, got %d", s.maxImages, len(uploads)))
	}
	for _, u := range uploads {
		if !strings.HasPrefix(strings.ToLower(u.ContentType), "image/") {
			return errs.Validation(u.Filename, fmt.Sprintf("unsupported content type %q", u.ContentType))
		}
	}
	return nil
}

// Load returns the batch currently staged for the user, images in intake
// order.
func (s *Stager) Load(userID int64, username string) (*Batch, error) {
	dir := s.userDir(userID, username)
	unlock := s.lock(dir)
	defer unlock()

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Validation("images", "no images uploaded")
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if b.Count == 0 {
		return nil, errs.Validation("images", "no images uploaded")
	}
	images := make([]string, b.Count)
	for i := range images {
		images[i] = filepath.Join(dir, imageName(i+1))
		if _, err := os.Stat(images[i]); err != nil {
			return nil, fmt.Errorf("staged batch %s is incomplete: %w", b.ID, err)
		}
	}
	b.Dir = dir
	b.Images = images
	return &b, nil
}

// Clear removes everything staged for the user.
func (s *Stager) Clear(userID int64, username string) error {
	dir := s.userDir(userID, username)
	unlock := s.lock(dir)
	defer unlock()
	return os.RemoveAll(dir)
}

func (s *Stager) userDir(userID int64, username string) string {
	return filepath.Join(s.root, UserDirName(userID, username))
}

// UserDirName is "{clean_username}_{user_id}".
func UserDirName(userID int64, username string) string {
	return fmt.Sprintf("%s_%d", CleanUsername(username), userID)
}

// CleanUsername keeps letters, digits, '_' and '-'.
func CleanUsername(username string) string {
	var b strings.Builder
	for _, r := range username {
		if r < 128 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalize(u Upload, dst string) error {
	src, _, err := image.Decode(bytes.NewReader(u.Data))
	if err != nil {
		return errs.Validation(u.Filename, "file is not a decodable image")
	}
	out := flatten(src)

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if err := jpeg.Encode(f, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(dst), err)
	}
	return f.Close()
}

// flatten composites src over an opaque white background.
func flatten(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	return dst
}

func writeManifest(dir string, b *Batch) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, manifestName))
}
