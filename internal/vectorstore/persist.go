package vectorstore

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

const (
	indexMagic   = "SYLX"
	indexVersion = uint32(1)
	checksumSize = 32
)

var errBadHeader = errors.New("not a vector index file")

// Save writes the index to path, tagged with the checksum of the chunk list
// it was built from. The file is written to a temp path and renamed into place.
func (x *FlatIndex) Save(path, checksum string) error {
	sum, err := hex.DecodeString(checksum)
	if err != nil || len(sum) != checksumSize {
		return fmt.Errorf("invalid corpus checksum %q", checksum)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := x.write(f, sum); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move index into place: %w", err)
	}
	return nil
}

func (x *FlatIndex) write(w io.Writer, sum []byte) error {
	bw := bufio.NewWriter(w)

	header := make([]byte, 0, 4+4+4+8+checksumSize)
	header = append(header, indexMagic...)
	header = binary.LittleEndian.AppendUint32(header, indexVersion)
	header = binary.LittleEndian.AppendUint32(header, uint32(x.dim))
	header = binary.LittleEndian.AppendUint64(header, uint64(x.n))
	header = append(header, sum...)
	if _, err := bw.Write(header); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, v := range x.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load reads an index written by Save and returns it with its stored checksum.
func Load(path string) (*FlatIndex, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	x, sum, err := read(bufio.NewReader(f))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read index %s: %w", path, err)
	}
	return x, sum, nil
}

// LoadMatching loads the index at path and verifies it was built from the
// chunk list with the given checksum.
func LoadMatching(path, checksum string) (*FlatIndex, error) {
	x, stored, err := Load(path)
	if err != nil {
		return nil, err
	}
	if stored != checksum {
		return nil, fmt.Errorf("%w: index %s, chunk list %s", ErrStaleIndex, short(stored), short(checksum))
	}
	return x, nil
}

func read(r io.Reader) (*FlatIndex, string, error) {
	header := make([]byte, 4+4+4+8+checksumSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, "", err
	}
	if string(header[:4]) != indexMagic {
		return nil, "", errBadHeader
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != indexVersion {
		return nil, "", fmt.Errorf("unsupported index version %d", v)
	}

	dim := int(binary.LittleEndian.Uint32(header[8:12]))
	n := int(binary.LittleEndian.Uint64(header[12:20]))
	sum := hex.EncodeToString(header[20:])
	if dim <= 0 || n <= 0 {
		return nil, "", ErrEmptyCorpus
	}

	data := make([]float32, n*dim)
	buf := make([]byte, 4)
	for i := range data {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, "", fmt.Errorf("truncated payload: %w", err)
		}
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
	}

	return &FlatIndex{dim: dim, n: n, data: data}, sum, nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
