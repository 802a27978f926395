// Package journal implements append-only segmented journal files used to keep
// the raw messages received from a state history node, so that they can be
// replayed later without a network connection.
//
// A journal is a directory of segment files named
// prefix + ordinal + start time + first record id + suffix. Each segment starts
// with a fixed-size header and continues with records grouped into commits.
// Every commit ends with the xxhash of everything written to the segment so
// far, so a torn tail is detected and trimmed when the journal is reopened.
//
// File format:
//
//   - segment = header record* (commit)
//   - header = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256 reserved:192 checksum:64
//   - record = sizeAndFlags:uvarint timestampDelta:uvarint bytes*
//   - commit = checksum:64 with the lowest bit set
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrCorrupted          = errors.New("corrupted journal segment")
	ErrReadOnly           = errors.New("journal is not open for writing")
)

type Options struct {
	FileName         string // e.g. "blocks-*.jrnl"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// Sync makes every commit fsync the segment file.
	Sync bool

	Logger logrus.FieldLogger
}

const DefaultMaxFileSize = 64 * 1024 * 1024

// MaxRecordSize bounds a single record; anything larger is treated as a torn
// size prefix.
const MaxRecordSize = 1 << 30

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
)

// Record is a committed journal record.
type Record struct {
	ID        uint64
	Segment   uint32
	Timestamp uint32
	Data      []byte
}

func (r Record) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0).UTC()
}

// Segment describes a segment file found in the journal directory.
type Segment struct {
	Name        string
	Ordinal     uint32
	Timestamp   uint32
	FirstRecord uint64
}

// Journal represents a directory of segment files. Writing is serialized;
// Replay may run concurrently with a writer and sees committed records only.
type Journal struct {
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           logrus.FieldLogger
	sync             bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	prevHash  uint64
	segWriter *segmentWriter
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return &Journal{
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		sync:             o.Sync,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger.WithField("jrnl", o.DebugName),
	}
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

func (j *Journal) Dir() string {
	return j.dir
}

// StartWriting creates the directory if needed, trims a torn tail of the last
// segment and positions the writer after the last committed record.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writable {
		return nil
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return errors.Wrap(err, j.debugName)
	}
	if err := j.prepareToWrite_locked(); err != nil {
		j.writeErr = err
		return err
	}
	j.writable = true
	j.writeErr = nil
	return nil
}

func (j *Journal) prepareToWrite_locked() error {
	for {
		segs, err := j.Segments()
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return nil
		}
		last := segs[len(segs)-1]

		f, err := j.openFile(last.Name, true)
		if err != nil {
			return err
		}
		res, err := j.scanSegment(f, last, nil)
		if errors.Is(err, ErrCorrupted) && res.size == 0 {
			f.Close()
			j.logger.WithField("file", last.Name).Warn("journal: deleting segment with corrupted header")
			if err := os.Remove(filepath.Join(j.dir, last.Name)); err != nil {
				return errors.Wrap(err, "journal: failed to delete corrupted segment")
			}
			continue
		} else if err != nil {
			f.Close()
			return err
		}

		j.writeSeg = last.Ordinal
		j.writeRec = res.lastRec
		if res.torn {
			j.logger.WithFields(logrus.Fields{"file": last.Name, "size": res.fileSize, "valid": res.size}).Warn("journal: trimming torn tail")
			if err := f.Truncate(res.size); err != nil {
				f.Close()
				return err
			}
		}
		if res.size >= j.maxFileSize {
			j.prevHash = res.hash.Sum64()
			return f.Close()
		}
		if _, err := f.Seek(res.size, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		j.segWriter = &segmentWriter{
			f:    f,
			seg:  last.Ordinal,
			ts:   res.lastTs,
			size: res.size,
			hash: res.hash,
		}
		return nil
	}
}

// FinishWriting commits pending records and closes the current segment.
func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	var err error
	if j.segWriter != nil && j.writeErr == nil {
		err = j.segWriter.commit(j.sync)
	}
	j.finishWriting_locked()
	return err
}

func (j *Journal) finishWriting_locked() {
	j.writable = false
	if j.segWriter != nil {
		j.segWriter.close()
		j.segWriter = nil
	}
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.WithError(err).Error("journal: failed")

	j.finishWriting_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0o666)
	} else {
		return os.Open(fn)
	}
}

// Segments lists the segment files in ordinal order. A missing directory
// yields no segments.
func (j *Journal) Segments() ([]Segment, error) {
	ents, err := os.ReadDir(j.dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var segs []Segment
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		base, ok := strings.CutPrefix(name, j.fileNamePrefix)
		if !ok {
			continue
		}
		base, ok = strings.CutSuffix(base, j.fileNameSuffix)
		if !ok {
			continue
		}
		seq, ts, id, err := parseSegmentName(base)
		if err != nil {
			j.logger.WithField("file", name).Debug("journal: skipping foreign file")
			continue
		}
		segs = append(segs, Segment{Name: name, Ordinal: seq, Timestamp: ts, FirstRecord: id})
	}
	return segs, nil
}

// WriteRecord appends a record to the current commit. A zero timestamp means
// now.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("journal: record of %d bytes exceeds the limit", len(data))
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	if !j.writable {
		return ErrReadOnly
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	if sw := j.segWriter; sw != nil && !sw.uncommitted && sw.size >= j.maxFileSize {
		j.rotate_locked()
	}

	j.writeRec++

	if j.segWriter == nil {
		j.writeSeg++

		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
		j.logger.WithField("seg", j.writeSeg).Debug("journal: started segment")
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit makes the records written since the previous commit visible to
// readers.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.segWriter == nil {
		return nil
	}
	return j.fail(j.segWriter.commit(j.sync))
}

// Append writes a single record and commits it.
func (j *Journal) Append(timestamp uint32, data []byte) error {
	if err := j.WriteRecord(timestamp, data); err != nil {
		return err
	}
	return j.Commit()
}

// Rotate commits and closes the current segment; the next record starts a
// new one.
func (j *Journal) Rotate() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.segWriter == nil {
		return nil
	}
	if err := j.segWriter.commit(j.sync); err != nil {
		return j.fail(err)
	}
	j.rotate_locked()
	return nil
}

func (j *Journal) rotate_locked() {
	j.prevHash = j.segWriter.hash.Sum64()
	j.segWriter.close()
	j.segWriter = nil
}

// Replay calls fn for every committed record in order. A torn tail in the
// last segment ends the replay silently; corruption anywhere else is an
// error wrapping ErrCorrupted.
func (j *Journal) Replay(ctx context.Context, fn func(rec Record) error) error {
	segs, err := j.Segments()
	if err != nil {
		return err
	}
	var prev *scanResult
	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := j.openFile(seg.Name, false)
		if err != nil {
			return err
		}
		res, err := j.scanSegment(f, seg, func(rec Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(rec)
		})
		f.Close()
		if err != nil {
			return err
		}
		if prev != nil && res.prevChecksum != 0 && res.prevChecksum != prev.hash.Sum64() {
			return errors.Wrapf(ErrCorrupted, "%s: previous segment checksum mismatch", seg.Name)
		}
		if res.torn {
			if i < len(segs)-1 {
				return errors.Wrapf(ErrCorrupted, "%s at offset %d", seg.Name, res.size)
			}
			j.logger.WithFields(logrus.Fields{"file": seg.Name, "valid": res.size}).Warn("journal: ignoring torn tail")
		}
		prev = &res
	}
	return nil
}

type scanResult struct {
	size         int64 // committed prefix, 0 if the header is bad
	fileSize     int64
	torn         bool
	hash         xxhash.Digest
	lastRec      uint64
	lastTs       uint32
	prevChecksum uint64
}

type countingReader struct {
	r   *bufio.Reader
	off int64
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.off++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.off += int64(n)
	return n, err
}

func (j *Journal) scanSegment(f *os.File, seg Segment, fn func(rec Record) error) (scanResult, error) {
	var res scanResult
	if st, err := f.Stat(); err == nil {
		res.fileSize = st.Size()
	}

	r := &countingReader{r: bufio.NewReaderSize(f, 64*1024)}

	var h segmentHeader
	var hbuf [segmentHeaderSize]byte
	err := j.readHeader(r, hbuf[:], &h, seg.Ordinal)
	if err != nil {
		return res, errors.Wrap(err, seg.Name)
	}
	res.hash.Reset()
	res.hash.Write(hbuf[:])
	res.size = segmentHeaderSize
	res.prevChecksum = h.PrevChecksum
	res.lastRec = seg.FirstRecord - 1
	res.lastTs = h.Timestamp

	hash := res.hash
	ts := h.Timestamp
	rec := res.lastRec
	var pending []Record
	var rhbuf [maxRecHeaderLen]byte

	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			res.torn = len(pending) > 0 || r.off > res.size
			return res, nil
		} else if err != nil {
			return res, err
		}

		if b&recordFlagCommit != 0 {
			var cbuf [8]byte
			cbuf[0] = b
			if _, err := io.ReadFull(r, cbuf[1:]); err != nil {
				res.torn = true
				return res, nil
			}
			var expected [8]byte
			binary.LittleEndian.PutUint64(expected[:], hash.Sum64())
			expected[0] |= recordFlagCommit
			if cbuf != expected {
				res.torn = true
				return res, nil
			}
			hash.Write(cbuf[:])

			for _, p := range pending {
				if fn != nil {
					if err := fn(p); err != nil {
						return res, err
					}
				}
			}
			pending = pending[:0]
			res.size = r.off
			res.hash = hash
			res.lastRec = rec
			res.lastTs = ts
			continue
		}

		sizeAndFlags, err := readUvarintAfter(b, r)
		if err != nil {
			res.torn = true
			return res, nil
		}
		size := sizeAndFlags >> recordFlagShift
		if size > MaxRecordSize {
			res.torn = true
			return res, nil
		}
		tsDelta, err := binary.ReadUvarint(r)
		if err != nil || tsDelta > 0xFFFF_FFFF {
			res.torn = true
			return res, nil
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			res.torn = true
			return res, nil
		}

		hash.Write(appendRecordHeader(rhbuf[:0], int(size), uint32(tsDelta)))
		hash.Write(data)
		ts += uint32(tsDelta)
		rec++
		pending = append(pending, Record{ID: rec, Segment: seg.Ordinal, Timestamp: ts, Data: data})
	}
}

func readUvarintAfter(first byte, r io.ByteReader) (uint64, error) {
	if first < 0x80 {
		return uint64(first), nil
	}
	rest, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	if rest > (1<<57)-1 {
		return 0, ErrCorrupted
	}
	return uint64(first&0x7f) | rest<<7, nil
}

func (j *Journal) readHeader(r io.Reader, buf []byte, h *segmentHeader, expectedSeq uint32) error {
	_, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return ErrCorrupted
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return ErrCorrupted
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != h.Checksum {
		return ErrCorrupted
	}
	if expectedSeq != h.SegmentOrdinal {
		return ErrCorrupted
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f           *os.File
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, &sw.hash)

	_, err = f.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.f.Write(h)
	if err != nil {
		return err
	}

	sw.hash.Write(data)
	_, err = sw.f.Write(data)
	if err != nil {
		return err
	}
	sw.size += int64(len(h) + len(data))

	return nil
}

func (sw *segmentWriter) commit(sync bool) error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	_, err := sw.f.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += 8

	if sync {
		return fdatasync(sw.f)
	}
	return nil
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     j.prevHash,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
