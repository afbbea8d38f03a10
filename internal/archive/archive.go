package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"pbm/internal/model"
)

const Ext = ".zip"

var ErrUnsafePath = errors.New("archive entry escapes destination")

type ProgressFunc func(pct float64)

type Info struct {
	CompressedSize   int64
	UncompressedSize int64
	FileCount        int
}

// method maps a level to a zip method and installs the matching compressor.
func method(w *zip.Writer, level model.CompressionLevel) uint16 {
	switch level {
	case model.CompressionNone:
		return zip.Store
	case model.CompressionFast:
		w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestSpeed)
		})
		return zip.Deflate
	case model.CompressionMaximum:
		w.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedBestCompression)))
		return zstd.ZipMethodWinZip
	default:
		w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.DefaultCompression)
		})
		return zip.Deflate
	}
}

func registerDecompressors(r *zip.Reader) {
	r.RegisterDecompressor(zip.Deflate, flate.NewReader)
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
}

// Path returns dest with the archive extension appended when missing.
func Path(dest string) string {
	if strings.EqualFold(filepath.Ext(dest), Ext) {
		return dest
	}
	return dest + Ext
}

// Compress packs source into a zip archive at dest. A single file is stored
// under its base name; a directory is stored with paths relative to it.
func Compress(ctx context.Context, source, dest string, level model.CompressionLevel, progress ProgressFunc) (path string, err error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("failed to stat source: %w", err)
	}

	archivePath := Path(dest)
	absArchive, _ := filepath.Abs(archivePath)

	type entry struct {
		path, name string
		info       fs.FileInfo
	}
	var entries []entry
	if info.IsDir() {
		err = filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if abs, _ := filepath.Abs(p); abs == absArchive {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(source, p)
			if err != nil {
				return err
			}
			entries = append(entries, entry{path: p, name: filepath.ToSlash(rel), info: fi})
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk source: %w", err)
		}
	} else {
		entries = append(entries, entry{path: source, name: filepath.Base(source), info: info})
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
		if err != nil {
			os.Remove(archivePath)
			path = ""
		}
	}()

	zw := zip.NewWriter(f)
	m := method(zw, level)

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return "", err
		}
		if err := addFile(zw, e.path, e.name, e.info, m); err != nil {
			zw.Close()
			return "", fmt.Errorf("failed to add %s: %w", e.name, err)
		}
		if progress != nil {
			progress(float64(i+1) / float64(len(entries)) * 100)
		}
	}
	if len(entries) == 0 && progress != nil {
		progress(100)
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	return archivePath, nil
}

func addFile(zw *zip.Writer, path, name string, info fs.FileInfo, method uint16) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = method

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}

// Extract unpacks every file entry of archivePath below dest, overwriting
// existing files.
func Extract(ctx context.Context, archivePath, dest string, progress ProgressFunc) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()
	registerDecompressors(&zr.Reader)

	total := 0
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			total++
		}
	}

	done := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		done++
		if progress != nil && total > 0 {
			progress(float64(done) / float64(total) * 100)
		}
	}
	return nil
}

// safeJoin resolves an entry name inside dest. Entries that securejoin had
// to clamp, through parent references or symlinks, are rejected.
func safeJoin(dest, name string) (string, error) {
	target, err := securejoin.SecureJoin(dest, filepath.FromSlash(name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	if target != filepath.Join(dest, filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if f.Modified.IsZero() {
		return nil
	}
	return os.Chtimes(target, f.Modified, f.Modified)
}

// GetInfo reports sizes and the number of file entries in an archive.
func GetInfo(archivePath string) (*Info, error) {
	st, err := os.Stat(archivePath)
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	info := &Info{CompressedSize: st.Size()}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		info.FileCount++
		info.UncompressedSize += int64(f.UncompressedSize64)
	}
	return info, nil
}
