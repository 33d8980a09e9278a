package firmware

import (
	"fmt"
	"io"
	"os"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

// HeaderSize is the length of the header slice of every package.
const HeaderSize = 1024

// Slicer cuts regions of one package file.
type Slicer struct {
	f    *os.File
	size int64
}

func OpenSlicer(path string) (*Slicer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat package: %w", err)
	}
	return &Slicer{f: f, size: fi.Size()}, nil
}

func (s *Slicer) Close() error { return s.f.Close() }

// Header writes the header slice to dst.
func (s *Slicer) Header(dst string) error {
	if s.size < HeaderSize {
		return fmt.Errorf("package of %d bytes has no header: %w", s.size, errdefs.ErrProtocol)
	}
	return s.copyTo(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0, HeaderSize)
}

// Extract writes the region of d to a new file at dst.
func (s *Slicer) Extract(d Descriptor, dst string) error {
	if err := s.check(d); err != nil {
		return err
	}
	return s.copyTo(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, int64(d.Offset), int64(d.Size))
}

// Append adds the region of d to the end of dst, creating it if needed.
func (s *Slicer) Append(d Descriptor, dst string) error {
	if err := s.check(d); err != nil {
		return err
	}
	return s.copyTo(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, int64(d.Offset), int64(d.Size))
}

func (s *Slicer) check(d Descriptor) error {
	if d.Offset > uint64(s.size) || d.Size > uint64(s.size)-d.Offset {
		return fmt.Errorf("%s [0x%x, +0x%x) exceeds package of %d bytes: %w",
			d.Partition, d.Offset, d.Size, s.size, errdefs.ErrProtocol)
	}
	return nil
}

func (s *Slicer) copyTo(dst string, flag int, off, n int64) error {
	out, err := os.OpenFile(dst, flag, 0o600)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if _, err := io.Copy(out, io.NewSectionReader(s.f, off, n)); err != nil {
		out.Close()
		return fmt.Errorf("copy image region: %w", err)
	}
	return out.Close()
}
