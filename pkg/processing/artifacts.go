package processing

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const zipMimeType = "application/zip"

// listOutputs returns every regular file under dir, relative and slash
// separated, except the names in exclude
func listOutputs(dir string, exclude ...string) ([]string, error) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	var files []string
	err := fs.WalkDir(os.DirFS(dir), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && !skip[p] {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// matchOutputs returns the regular files under dir matching any pattern,
// sorted and without duplicates
func matchOutputs(dir string, patterns []string, exclude ...string) ([]string, error) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	fsys := os.DirFS(dir)
	seen := make(map[string]bool)
	var files []string

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(pattern), "./"), "/")
		if pattern == "" {
			continue
		}

		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fault.Wrap(fault.KindJob, "processing/INVALID_GLOB_PATTERN", err, "Invalid output glob pattern "+pattern+".")
		}
		for _, m := range matches {
			if seen[m] || skip[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}

	sort.Strings(files)
	return files, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeArchive zips files (relative to dir) into dst, keeping their
// relative paths. The MD5 is computed over the archive bytes as they are
// written.
func writeArchive(dir string, files []string, dst string) (types.FileData, error) {
	out, err := os.Create(dst)
	if err != nil {
		return types.FileData{}, err
	}
	defer out.Close()

	hash := md5.New()
	counter := &countingWriter{w: io.MultiWriter(out, hash)}

	zw := zip.NewWriter(counter)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	for _, name := range files {
		if err := addFile(zw, dir, name); err != nil {
			return types.FileData{}, err
		}
	}
	if err := zw.Close(); err != nil {
		return types.FileData{}, err
	}
	if err := out.Close(); err != nil {
		return types.FileData{}, err
	}

	return types.FileData{
		Filename: filepath.Base(dst),
		MimeType: zipMimeType,
		Size:     counter.n,
		MD5Hash:  hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func addFile(zw *zip.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// bundle is one archive ready for upload
type bundle struct {
	kind  types.OutputKind
	files []string
	path  string
	data  types.FileData
}

// buildBundles matches outputs against both pattern sets. The captured log
// is always part of the result bundle. It fails when neither pattern set
// matched an output file.
func buildBundles(rec *types.JobRecord, layout Layout) ([]bundle, error) {
	conf := rec.Data.Processor.Configuration
	logName := layout.CapturedLogName()
	logger := log.WithJobID(layout.ID)

	var bundles []bundle
	matched := 0
	for _, kind := range types.OutputKinds {
		files, err := matchOutputs(layout.OutputDir, conf.Patterns(kind), logName)
		if err != nil {
			return nil, err
		}
		matched += len(files)
		if len(files) == 0 {
			logger.Warn().Str("kind", string(kind)).Strs("patterns", conf.Patterns(kind)).Msg("No output files match upload patterns")
		}

		if kind == types.OutputResult {
			if _, err := os.Stat(filepath.Join(layout.OutputDir, logName)); err == nil {
				files = append(files, logName)
			}
		}
		if len(files) > 0 {
			bundles = append(bundles, bundle{kind: kind, files: files, path: layout.ArchivePath(kind)})
		}
	}

	if matched == 0 {
		return nil, fault.New(fault.KindJob, "processing/NO_MATCHING_FILES", "No output files match the upload glob patterns.")
	}
	return bundles, nil
}

// zipAndUpload archives, uploads and confirms each non-empty bundle
func (e *Engine) zipAndUpload(ctx context.Context, rec *types.JobRecord, layout Layout) error {
	bundles, err := buildBundles(rec, layout)
	if err != nil {
		return err
	}

	logger := log.WithJobID(layout.ID)
	for _, b := range bundles {
		b.data, err = writeArchive(layout.OutputDir, b.files, b.path)
		if err != nil {
			return fault.Wrap(fault.KindJob, "processing/ARCHIVE_FAILED", err, "Failed to write "+string(b.kind)+" archive.")
		}
		logger.Info().Str("kind", string(b.kind)).Int("files", len(b.files)).Int64("bytes", b.data.Size).Msg("Archive created")

		if err := e.upload(ctx, rec, b); err != nil {
			return fault.Wrap(fault.KindJob, "processing/FAIL_TO_UPLOAD", err, "Failed to upload "+string(b.kind)+".")
		}
		metrics.ArtifactBytesTotal.WithLabelValues(string(b.kind)).Add(float64(b.data.Size))
		logger.Info().Str("kind", string(b.kind)).Msg("Archive uploaded")
	}
	return nil
}

func (e *Engine) upload(ctx context.Context, rec *types.JobRecord, b bundle) error {
	id := rec.Data.ID

	url, err := e.uploadURL(ctx, rec, b)
	if err != nil {
		return err
	}

	op := "processing/UPLOAD_" + strings.ToUpper(string(b.kind))
	err = e.cfg.Retry.Do(ctx, op, func(ctx context.Context, _ int) error {
		return e.transfers.Upload(ctx, url, b.path, zipMimeType)
	})
	if err != nil {
		return err
	}

	return e.api.ConfirmUpload(ctx, id, b.kind)
}

// uploadURL reuses the URL stored for kind, then the one on the descriptor,
// and only then asks the Control API for a new one. Generated URLs are
// persisted so a retried completion uploads to the same target.
func (e *Engine) uploadURL(ctx context.Context, rec *types.JobRecord, b bundle) (string, error) {
	if url := rec.UploadURLs[b.kind]; url != "" {
		return url, nil
	}
	if out := rec.Data.Output(b.kind); out != nil && out.UploadURL != "" {
		return out.UploadURL, nil
	}

	url, err := e.api.GenerateUpload(ctx, rec.Data.ID, b.kind, b.data)
	if err != nil {
		return "", err
	}

	if rec.UploadURLs == nil {
		rec.UploadURLs = make(map[types.OutputKind]string)
	}
	rec.UploadURLs[b.kind] = url
	if err := e.store.Set(RecordNamespace(rec.Data.ID), map[string]any{"upload_urls": rec.UploadURLs}); err != nil {
		logger := log.WithJobID(rec.Data.ID)
		logger.Warn().Err(err).Msg("Failed to persist upload URL")
	}
	return url, nil
}
