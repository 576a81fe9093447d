package docker

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tarInputs packs the given files under acoustics/input/ for CopyToContainer.
func tarInputs(files ...string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dir := strings.TrimPrefix(inputDir, "/")
	for _, d := range []string{path.Dir(dir), dir} {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: d + "/", Mode: 0o755}); err != nil {
			return nil, err
		}
	}

	for _, f := range files {
		if err := addFile(tw, f, path.Join(dir, filepath.Base(f))); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func addFile(tw *tar.Writer, src, name string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("input %s is not a regular file", src)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	header.Mode = 0o644

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractFile writes the first regular file of a tar stream to dest.
// The file is written next to dest and renamed into place.
func extractFile(r io.Reader, dest string) (int64, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("archive contains no file")
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, err
		}
		tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(tmp, tr)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(tmp.Name())
			return 0, fmt.Errorf("failed to extract file: %w", err)
		}
		if err := os.Rename(tmp.Name(), dest); err != nil {
			os.Remove(tmp.Name())
			return 0, err
		}
		return n, nil
	}
}

// demuxLogs splits a multiplexed Docker log stream. Each frame has an 8-byte
// header: stream type in byte 0 (1 stdout, 2 stderr) and a big-endian payload
// size in bytes 4-7.
func demuxLogs(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		size := binary.BigEndian.Uint32(header[4:])
		if size == 0 {
			continue
		}

		w := stdout
		if header[0] == 2 {
			w = stderr
		}
		if _, err := io.CopyN(w, r, int64(size)); err != nil {
			return err
		}
	}
}
