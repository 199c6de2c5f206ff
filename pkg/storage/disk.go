// Package storage writes verified piece data to the files a torrent
// describes, and serves block reads back out for seeding.
package storage

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"leech/pkg/piece"
)

type dataFile struct {
	path   string
	length int64
	offset int64
	f      *os.File
}

type pieceBuffer struct {
	blocks     map[int][]byte
	blockCount int
}

// Disk is a piece.Sink that maps a torrent's logical byte stream onto one
// or more real files, buffering each piece's blocks in memory until the
// whole piece has arrived and its hash has been checked.
type Disk struct {
	files       []dataFile
	totalBytes  int64
	pieceLength int64

	mu      sync.RWMutex
	buffers map[int]*pieceBuffer
}

// Open prepares the directory layout under rootDir/torrentName, creating
// and pre-truncating one file per entry in paths/lens. A single-file
// torrent is represented as one paths entry of [name].
func Open(rootDir, torrentName string, paths [][]string, lens []int64, pieceLength int64) (*Disk, error) {
	if len(paths) != len(lens) {
		return nil, fmt.Errorf("storage: paths/lengths mismatch")
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("storage: invalid piece length %d", pieceLength)
	}

	var (
		files  []dataFile
		offset int64
	)
	root := filepath.Join(rootDir, torrentName)

	for i := range paths {
		rel := filepath.Join(paths[i]...)
		fullPath := filepath.Join(root, rel)

		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}

		f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", fullPath, err)
		}
		if err := f.Truncate(lens[i]); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("storage: truncate %s: %w", fullPath, err)
		}

		files = append(files, dataFile{path: fullPath, length: lens[i], offset: offset, f: f})
		offset += lens[i]
	}

	return &Disk{
		files:       files,
		totalBytes:  offset,
		pieceLength: pieceLength,
		buffers:     make(map[int]*pieceBuffer),
	}, nil
}

// Close closes every underlying file.
func (d *Disk) Close() error {
	var err error
	for i := range d.files {
		if e := d.files[i].f.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// BufferBlock stores a downloaded block in memory until its piece is
// complete.
func (d *Disk) BufferBlock(pieceIndex, begin int, data []byte) error {
	pl, err := piece.PieceLengthAt(pieceIndex, d.totalBytes, d.pieceLength)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	bi := piece.BlockIndexForBegin(begin, pl, piece.BlockLength)
	if bi < 0 {
		return fmt.Errorf("storage: begin %d out of range for piece %d (len %d)", begin, pieceIndex, pl)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pb, ok := d.buffers[pieceIndex]
	if !ok {
		pb = &pieceBuffer{
			blocks:     make(map[int][]byte),
			blockCount: piece.BlocksInPiece(pl),
		}
		d.buffers[pieceIndex] = pb
	}

	pb.blocks[bi] = append([]byte(nil), data...)
	return nil
}

// FlushPiece assembles a fully-buffered piece, verifies its SHA-1 against
// expected, and — only on a match — writes it to the underlying files.
//
// Returns (true, nil) when the piece was written successfully, (false,
// nil) on a hash mismatch (the buffer is discarded either way).
func (d *Disk) FlushPiece(pieceIndex int, expected [sha1.Size]byte) (bool, error) {
	d.mu.Lock()
	pb, ok := d.buffers[pieceIndex]
	d.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("storage: piece %d not buffered", pieceIndex)
	}
	if len(pb.blocks) != pb.blockCount {
		return false, fmt.Errorf("storage: piece %d incomplete: have %d/%d blocks", pieceIndex, len(pb.blocks), pb.blockCount)
	}

	data := make([]byte, 0, d.pieceLength)
	for bi := 0; bi < pb.blockCount; bi++ {
		chunk, ok := pb.blocks[bi]
		if !ok {
			return false, fmt.Errorf("storage: piece %d missing block %d", pieceIndex, bi)
		}
		data = append(data, chunk...)
	}

	d.mu.Lock()
	delete(d.buffers, pieceIndex)
	d.mu.Unlock()

	if sha1.Sum(data) != expected {
		return false, nil
	}

	pieceStart := int64(pieceIndex) * d.pieceLength
	if err := d.writeStreamAt(data, pieceStart); err != nil {
		return false, fmt.Errorf("storage: write piece %d: %w", pieceIndex, err)
	}

	return true, nil
}

// ReadBlock reads length bytes at begin within pieceIndex, for serving
// outbound Piece messages to a peer that has requested a block we already
// hold.
func (d *Disk) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	pieceStart := int64(pieceIndex) * d.pieceLength
	buf := make([]byte, length)

	if err := d.readStreamAt(buf, pieceStart+int64(begin)); err != nil {
		return nil, fmt.Errorf("storage: read piece %d begin %d: %w", pieceIndex, begin, err)
	}
	return buf, nil
}

// BufferedBytes reports total bytes currently held in memory, useful for
// backpressure decisions.
func (d *Disk) BufferedBytes() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total int64
	for _, pb := range d.buffers {
		for _, data := range pb.blocks {
			total += int64(len(data))
		}
	}
	return total
}

// writeStreamAt writes p into the logical torrent stream at streamOff,
// splitting the write across underlying files as needed.
func (d *Disk) writeStreamAt(p []byte, streamOff int64) error {
	if len(p) == 0 {
		return nil
	}
	end := streamOff + int64(len(p))

	for i := range d.files {
		f := &d.files[i]

		if end <= f.offset || streamOff >= f.offset+f.length {
			continue
		}

		fileStart := max64(streamOff, f.offset)
		fileEnd := min64(end, f.offset+f.length)
		n := fileEnd - fileStart
		if n <= 0 {
			continue
		}

		pStart := fileStart - streamOff
		fileOff := fileStart - f.offset

		if _, err := f.f.WriteAt(p[pStart:pStart+n], fileOff); err != nil {
			return fmt.Errorf("write %s@%d: %w", f.path, fileOff, err)
		}
	}

	return nil
}

// readStreamAt reads into p from the logical torrent stream at streamOff,
// spanning multiple files as needed.
func (d *Disk) readStreamAt(p []byte, streamOff int64) error {
	if len(p) == 0 {
		return nil
	}
	end := streamOff + int64(len(p))

	for i := range d.files {
		f := &d.files[i]

		if end <= f.offset || streamOff >= f.offset+f.length {
			continue
		}

		fileStart := max64(streamOff, f.offset)
		fileEnd := min64(end, f.offset+f.length)
		n := fileEnd - fileStart
		if n <= 0 {
			continue
		}

		pStart := fileStart - streamOff
		fileOff := fileStart - f.offset

		if _, err := f.f.ReadAt(p[pStart:pStart+n], fileOff); err != nil {
			return fmt.Errorf("read %s@%d: %w", f.path, fileOff, err)
		}
	}

	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
