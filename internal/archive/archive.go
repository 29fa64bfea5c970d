// Package archive packages a directory into a single tar.gz byte
// stream. spec.md treats this as a black box — "producing/consuming a
// single byte stream" — so this is a thin stdlib wrapper, not a
// component deadrop specifies invariants for.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CompressDir walks root and writes a .tar.gz of its contents to w,
// rooted under the directory's own base name. Returns the suggested
// archive filename.
func CompressDir(root string, w io.Writer) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("archive: %s is not a directory", root)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	rootName := filepath.Base(filepath.Clean(root))

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		archivePath := rootName
		if rel != "." {
			archivePath = filepath.ToSlash(filepath.Join(rootName, rel))
		}

		finfo, err := d.Info()
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil // skip symlinks, like the reference archiver does
		}

		hdr, err := tar.FileInfoHeader(finfo, "")
		if err != nil {
			return err
		}
		hdr.Name = archivePath
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}

	return rootName + ".tar.gz", nil
}
