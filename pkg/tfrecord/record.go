// Package tfrecord reads and writes length-delimited, checksummed record
// files and the tf.train.Example payloads stored in them.
//
// Each record is framed as
//
//	uint64 length | uint32 masked crc32c(length) | data | uint32 masked crc32c(data)
//
// with all integers little-endian.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/YuminosukeSato/realestate/pkg/errors"
)

// ErrCorrupt is returned when a record fails its checksum or is truncated.
var ErrCorrupt = errors.New("tfrecord: corrupt record")

// MaxRecordSize bounds the payload length a Reader accepts and a Writer
// produces.
const MaxRecordSize = 64 << 20

const (
	headerSize = 12
	footerSize = 4
	maskDelta  = 0xa282ead8
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, crcTable)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Writer appends framed records to an underlying stream.
type Writer struct {
	w   *bufio.Writer
	buf [headerSize]byte
}

// NewWriter returns a Writer that buffers output to w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write frames data as one record.
func (w *Writer) Write(data []byte) error {
	if len(data) > MaxRecordSize {
		return errors.Newf("tfrecord: record of %d bytes exceeds the %d byte limit", len(data), MaxRecordSize)
	}
	binary.LittleEndian.PutUint64(w.buf[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(w.buf[8:12], maskedCRC(w.buf[:8]))
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return errors.Wrap(err, "tfrecord: write header")
	}
	if _, err := w.w.Write(data); err != nil {
		return errors.Wrap(err, "tfrecord: write payload")
	}
	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	if _, err := w.w.Write(footer[:]); err != nil {
		return errors.Wrap(err, "tfrecord: write footer")
	}
	return nil
}

// Flush writes any buffered records to the underlying stream.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "tfrecord: flush")
}

// Reader iterates over framed records.
type Reader struct {
	r   *bufio.Reader
	buf [headerSize]byte
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the payload of the next record. It returns io.EOF after the
// last record and an error wrapping ErrCorrupt for a damaged one.
func (r *Reader) Next() ([]byte, error) {
	n, err := io.ReadFull(r.r, r.buf[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "truncated header (%d bytes)", n)
	}
	if binary.LittleEndian.Uint32(r.buf[8:12]) != maskedCRC(r.buf[:8]) {
		return nil, errors.Wrap(ErrCorrupt, "length checksum mismatch")
	}
	length := binary.LittleEndian.Uint64(r.buf[:8])
	if length > MaxRecordSize {
		return nil, errors.Wrapf(ErrCorrupt, "record length %d exceeds the %d byte limit", length, MaxRecordSize)
	}

	data := make([]byte, length+footerSize)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "truncated payload")
	}
	payload, footer := data[:length], data[length:]
	if binary.LittleEndian.Uint32(footer) != maskedCRC(payload) {
		return nil, errors.Wrap(ErrCorrupt, "payload checksum mismatch")
	}
	return payload, nil
}
