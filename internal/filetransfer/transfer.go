package filetransfer

import (
	"fmt"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/relaydesk/host/internal/wire"
)

// BlockSize is the chunk size read jobs stream files in.
const BlockSize = 64 * 1024

// compressThreshold skips compression for blocks too small to win.
const compressThreshold = 1024

// MakeBlock builds one FileTransferBlock for data, LZ4-compressing it when
// that actually shrinks the payload. The compressed flag is per-block, so a
// stream may freely mix compressed and raw blocks.
func MakeBlock(jobID, fileNum int32, data []byte) wire.FileTransferBlock {
	blk := wire.FileTransferBlock{JobID: jobID, FileNum: fileNum, Data: data}
	if len(data) < compressThreshold {
		return blk
	}
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf)
	if err != nil || n == 0 || n >= len(data) {
		return blk
	}
	blk.Data = buf[:n]
	blk.Compressed = true
	return blk
}

// BlockPayload returns the block's raw bytes, decompressing first when the
// block was sent compressed. maxSize bounds the decompressed size so a
// hostile peer can't balloon memory.
func BlockPayload(blk *wire.FileTransferBlock, maxSize int) ([]byte, error) {
	if !blk.Compressed {
		return blk.Data, nil
	}
	if maxSize <= 0 {
		maxSize = 4 * BlockSize
	}
	out := make([]byte, maxSize)
	n, err := lz4.UncompressBlock(blk.Data, out)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: decompress block: %w", err)
	}
	return out[:n], nil
}

// DigestFor stats path into the wire digest a sender announces before each
// file, driving the receiver's skip/fresh/ask decision.
func DigestFor(path string) (wire.FileDigest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return wire.FileDigest{}, fmt.Errorf("filetransfer: stat %s: %w", path, err)
	}
	return wire.FileDigest{FileSize: info.Size(), LastModified: info.ModTime().Unix()}, nil
}
