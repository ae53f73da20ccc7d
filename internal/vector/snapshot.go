package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/hyperjump/kioku/pkg/utils"
)

const snapshotVersion uint32 = 3

// headerSize is the encoded size of header.
const headerSize = 28

var (
	hnswMagic = [4]byte{'K', 'H', 'N', 'W'}
	flatMagic = [4]byte{'K', 'F', 'L', 'T'}
)

// writeFileAtomic writes through a temp file in the target directory and renames it
// into place, so a crash never leaves a truncated snapshot at path.
func writeFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename index file: %w", err)
	}
	committed = true
	return nil
}

// header is the fixed prefix of every snapshot.
type header struct {
	Magic      [4]byte
	Version    uint32
	Dimensions uint32
	Capacity   uint64
	Count      uint64
}

func writeHeader(w io.Writer, h header) error {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func readHeader(r io.Reader, magic [4]byte, dimensions int) (header, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if h.Magic != magic {
		return h, fmt.Errorf("not an index snapshot (magic %q)", h.Magic[:])
	}
	if h.Version != snapshotVersion {
		return h, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if int(h.Dimensions) != dimensions {
		return h, fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, h.Dimensions, dimensions)
	}
	if h.Count > h.Capacity {
		return h, fmt.Errorf("corrupt snapshot: count %d exceeds capacity %d", h.Count, h.Capacity)
	}
	if h.Capacity > math.MaxInt32 {
		return h, fmt.Errorf("corrupt snapshot: capacity %d out of range", h.Capacity)
	}
	return h, nil
}

// checkCount rejects a header whose element count the file cannot hold, given that
// every element takes at least recordSize bytes after the first prefix bytes.
func checkCount(f *os.File, h header, prefix, recordSize int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat index file: %w", err)
	}
	avail := info.Size() - prefix
	if avail < 0 {
		return fmt.Errorf("corrupt snapshot: file too short (%d bytes)", info.Size())
	}
	if h.Count > uint64(avail)/uint64(recordSize) {
		return fmt.Errorf("corrupt snapshot: %d elements cannot fit in %d bytes", h.Count, avail)
	}
	return nil
}

func writeVector(w io.Writer, v []float32) error {
	if _, err := w.Write(utils.Float32sToBytes(v)); err != nil {
		return fmt.Errorf("write vector: %w", err)
	}
	return nil
}

func readVector(r io.Reader, dimensions int) ([]float32, error) {
	buf := make([]byte, dimensions*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read vector: %w", err)
	}
	return utils.BytesToFloat32s(buf)
}

func openSnapshot(path string) (*os.File, *bufio.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open index file: %w", err)
	}
	return f, bufio.NewReader(f), nil
}

func checkDimensions(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, got, want)
	}
	return nil
}
