package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"posestream-go/internal/types"
)

// RawLogMagic opens every pose raw log. Each record that follows is
//
//	[u64 LE unix nanos received][u32 LE size][size bytes CBOR PoseUpdate]
const RawLogMagic = "POSERAW1"

const recordHeaderLen = 12

var (
	ErrBadMagic  = errors.New("rawlog: unexpected magic")
	ErrLogClosed = errors.New("rawlog: writer is closed")
)

// Identical updates encode to identical record bytes.
var poseEncoding = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// RawLogWriter appends decoded pose updates to a raw log file. It satisfies
// relay.Recorder.
type RawLogWriter struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	records uint64
}

// NewRawLogWriter creates <outputDir>/<yyyyMMdd_HHmmss>_<prefix>.bin.
func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	now := time.Now
	path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", now().Format("20060102_150405"), prefix))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 16*1024)
	_, err = w.WriteString(RawLogMagic)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rawlog: write magic: %w", err)
	}
	return &RawLogWriter{path: path, now: now, f: f, w: w}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// RecordPose appends one update and flushes it.
func (r *RawLogWriter) RecordPose(update types.PoseUpdate) error {
	payload, err := poseEncoding.Marshal(update)
	if err != nil {
		return fmt.Errorf("rawlog: encode pose: %w", err)
	}
	return r.Record(payload)
}

// Record appends an already encoded payload.
func (r *RawLogWriter) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return ErrLogClosed
	}
	var header [recordHeaderLen]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(r.now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	if err := r.w.Flush(); err != nil {
		return err
	}
	r.records++
	return nil
}

// Records counts the records written so far.
func (r *RawLogWriter) Records() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	flushErr := r.w.Flush()
	closeErr := r.f.Close()
	r.w = nil
	return errors.Join(flushErr, closeErr)
}

// RawRecord is one record read back from a raw log.
type RawRecord struct {
	At      time.Time
	Payload []byte
}

// Pose decodes the record payload.
func (rec RawRecord) Pose() (types.PoseUpdate, error) {
	var update types.PoseUpdate
	if len(rec.Payload) == 0 {
		return update, errors.New("rawlog: empty record")
	}
	if err := cbor.Unmarshal(rec.Payload, &update); err != nil {
		return update, fmt.Errorf("rawlog: decode pose: %w", err)
	}
	return update, nil
}

type RawLogReader struct {
	r io.Reader
}

// NewRawLogReader checks the magic and positions r at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	magic := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("rawlog: read magic: %w", err)
	}
	if string(magic) != RawLogMagic {
		return nil, fmt.Errorf("%w %q", ErrBadMagic, string(magic))
	}
	return &RawLogReader{r: r}, nil
}

// Next returns the next record, or io.EOF after the last complete one.
func (l *RawLogReader) Next() (RawRecord, error) {
	var meta [recordHeaderLen]byte
	if _, err := io.ReadFull(l.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		return RawRecord{}, fmt.Errorf("rawlog: truncated record: %w", err)
	}
	return RawRecord{At: time.Unix(0, ts), Payload: payload}, nil
}
