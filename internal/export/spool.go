package export

// This file implements the spool: a write-ahead log of run batches that lets
// the durable exporter survive a crash or a long backend outage.
//
//	ExportSpans → Write() (disk) → delegate.ExportSpans → Ack()
//	                 ↑ durable                               ↑ checkpoint advances
//
// Records are JSON-encoded model.RunBatch values framed as
// [LSN(8) | payloadLen(4) | payload(N) | CRC32C(4)] in numbered segment files.
// Batches may be acknowledged out of order; the checkpoint only advances past
// a contiguous prefix of acknowledged records, so recovery after a crash may
// redeliver a batch that had already been acknowledged.

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/uselemma/lemma-go/internal/model"
	"github.com/uselemma/lemma-go/internal/telemetry"
)

// Spool segment file format constants.
const (
	spoolMagic      = 0x4C4D5350 // "LMSP"
	spoolVersion    = 1
	spoolHeaderSize = 16 // magic(4) + version(2) + reserved(2) + baseLSN(8)
	spoolRecordHead = 12 // lsn(8) + payloadLen(4)
	spoolCRCSize    = 4
	spoolMaxPayload = 16 << 20 // 16 MB per record

	defaultSegmentSize    = 64 << 20 // 64 MB
	defaultSegmentRecords = 10_000
	minSegmentSize        = 1 << 20 // 1 MB
	minSegmentRecords     = 10

	defaultSyncInterval = 10 * time.Millisecond
)

// ErrSpoolClosed is returned by writes after Close.
var ErrSpoolClosed = errors.New("export: spool is closed")

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// SpoolConfig holds configuration for the spool.
type SpoolConfig struct {
	Dir            string        // Directory for segment files. Empty = spool disabled.
	SyncMode       string        // "full", "batch", "none". Default: "batch".
	SyncInterval   time.Duration // Sync interval for batch mode. Default: 10ms.
	MaxSegmentSize int64         // Bytes before segment rotation. Default: 64 MB.
	MaxSegmentRecs int           // Records before segment rotation. Default: 10K.
}

// SpoolRecord is a batch read back from the spool.
type SpoolRecord struct {
	LSN   uint64
	Batch model.RunBatch
}

// Spool is a crash-durable log of run batches awaiting delivery.
type Spool struct {
	dir      string
	syncMode string

	mu          sync.Mutex // guards everything below
	closed      bool
	current     *os.File
	currentPath string
	segmentNum  uint64
	segmentSize int64
	segmentRecs int
	nextLSN     uint64
	checkpoint  checkpoint
	outstanding map[uint64]struct{} // written but not acknowledged

	maxSegSize int64
	maxSegRecs int

	logger *slog.Logger

	// Batch sync goroutine.
	syncCancel context.CancelFunc
	syncDone   chan struct{}

	metrics metric.Registration
}

// checkpoint tracks the highest LSN below which every record was delivered.
type checkpoint struct {
	FlushedLSN uint64    `json:"flushed_lsn"`
	FlushedAt  time.Time `json:"flushed_at"`
	Segment    uint64    `json:"segment"`
}

// NewSpool opens the spool in cfg.Dir. Returns nil if cfg.Dir is empty
// (spool disabled). Records left by a previous process are outstanding until
// acknowledged; read them with Recover.
func NewSpool(logger *slog.Logger, cfg SpoolConfig) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.SyncMode == "" {
		cfg.SyncMode = "batch"
	}
	switch cfg.SyncMode {
	case "full", "batch", "none":
	default:
		return nil, fmt.Errorf("spool: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentSize < minSegmentSize {
		return nil, fmt.Errorf("spool: segment size %d too small (min %d)", cfg.MaxSegmentSize, minSegmentSize)
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecords
	}
	if cfg.MaxSegmentRecs < minSegmentRecords {
		return nil, fmt.Errorf("spool: segment records %d too small (min %d)", cfg.MaxSegmentRecs, minSegmentRecords)
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}

	s := &Spool{
		dir:         cfg.Dir,
		syncMode:    cfg.SyncMode,
		maxSegSize:  cfg.MaxSegmentSize,
		maxSegRecs:  cfg.MaxSegmentRecs,
		outstanding: make(map[uint64]struct{}),
		logger:      logger,
	}

	cp, err := s.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("spool: load checkpoint: %w", err)
	}
	s.checkpoint = cp

	// Scan existing segments: find the highest LSN and the records still
	// awaiting delivery.
	segments, err := s.listSegments()
	if err != nil {
		return nil, fmt.Errorf("spool: scan segments: %w", err)
	}
	highLSN := cp.FlushedLSN
	for _, seg := range segments {
		records, segHigh, err := s.readSegment(seg)
		if err != nil {
			s.logger.Warn("spool: unreadable segment", "segment", seg, "error", err)
		}
		for _, r := range records {
			if r.LSN > cp.FlushedLSN {
				s.outstanding[r.LSN] = struct{}{}
			}
		}
		if segHigh > highLSN {
			highLSN = segHigh
		}
	}
	s.nextLSN = highLSN + 1

	highSeg, err := s.highestSegment()
	if err != nil {
		return nil, fmt.Errorf("spool: scan segments: %w", err)
	}
	if highSeg > 0 {
		s.segmentNum = highSeg + 1
	} else {
		s.segmentNum = cp.Segment + 1
	}

	if err := s.rotateSegment(); err != nil {
		return nil, fmt.Errorf("spool: open initial segment: %w", err)
	}

	if cfg.SyncMode == "none" {
		logger.Warn("spool: sync mode is 'none'; batches may be lost on crash (use 'batch' or 'full' in production)")
	}
	if cfg.SyncMode == "batch" {
		ctx, cancel := context.WithCancel(context.Background())
		s.syncCancel = cancel
		s.syncDone = make(chan struct{})
		go s.syncLoop(ctx, cfg.SyncInterval)
	}

	s.registerMetrics()
	return s, nil
}

// Write appends a batch and returns its LSN. In "full" sync mode the segment
// is synced before returning.
func (s *Spool) Write(batch model.RunBatch) (uint64, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return 0, fmt.Errorf("spool: marshal batch: %w", err)
	}
	if len(payload) > spoolMaxPayload {
		return 0, fmt.Errorf("spool: batch too large (%d bytes, max %d)", len(payload), spoolMaxPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSpoolClosed
	}

	lsn := s.nextLSN

	var head [spoolRecordHead]byte
	binary.BigEndian.PutUint64(head[0:8], lsn)
	binary.BigEndian.PutUint32(head[8:12], uint32(len(payload))) //nolint:gosec // bounded by spoolMaxPayload check above

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	var crcBuf [spoolCRCSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

	record := make([]byte, 0, spoolRecordHead+len(payload)+spoolCRCSize)
	record = append(record, head[:]...)
	record = append(record, payload...)
	record = append(record, crcBuf[:]...)
	if _, err := s.current.Write(record); err != nil {
		return 0, fmt.Errorf("spool: write record: %w", err)
	}

	s.nextLSN++
	s.outstanding[lsn] = struct{}{}
	s.segmentSize += int64(len(record))
	s.segmentRecs++

	if s.syncMode == "full" {
		if err := s.current.Sync(); err != nil {
			return 0, fmt.Errorf("spool: fsync: %w", err)
		}
	}

	if s.segmentSize >= s.maxSegSize || s.segmentRecs >= s.maxSegRecs {
		if err := s.rotateSegment(); err != nil {
			return 0, fmt.Errorf("spool: rotate segment: %w", err)
		}
	}
	return lsn, nil
}

// Ack marks a record delivered. The checkpoint advances to the highest LSN
// below every outstanding record, and segments wholly below it are deleted.
func (s *Spool) Ack(lsn uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.outstanding, lsn)

	watermark := s.nextLSN - 1
	for l := range s.outstanding {
		if l-1 < watermark {
			watermark = l - 1
		}
	}
	if watermark <= s.checkpoint.FlushedLSN {
		return nil
	}

	cp := checkpoint{
		FlushedLSN: watermark,
		FlushedAt:  time.Now().UTC(),
		Segment:    s.segmentNum,
	}
	if err := s.saveCheckpoint(cp); err != nil {
		return err
	}
	s.checkpoint = cp
	return s.cleanupSegments(watermark)
}

// Recover returns every record not yet acknowledged, in LSN order.
func (s *Spool) Recover() ([]SpoolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments, err := s.listSegments()
	if err != nil {
		return nil, fmt.Errorf("spool: list segments for recovery: %w", err)
	}

	var recovered []SpoolRecord
	for _, seg := range segments {
		records, _, err := s.readSegment(seg)
		if err != nil {
			s.logger.Warn("spool: recovery: error reading segment, skipping remainder",
				"segment", seg, "error", err, "recovered_so_far", len(recovered))
			break
		}
		for _, r := range records {
			if _, ok := s.outstanding[r.LSN]; ok {
				recovered = append(recovered, r)
			}
		}
	}
	return recovered, nil
}

// Outstanding returns the number of records written but not acknowledged.
func (s *Spool) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Close syncs and closes the current segment file. Stops the batch sync goroutine.
func (s *Spool) Close() error {
	if s.syncCancel != nil {
		s.syncCancel()
		<-s.syncDone
		s.syncCancel = nil
	}

	// The metrics callback takes s.mu, so unregister before locking.
	if reg := s.takeMetrics(); reg != nil {
		_ = reg.Unregister()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.current != nil {
		if err := s.current.Sync(); err != nil {
			s.logger.Warn("spool: final sync failed", "error", err)
		}
		return s.current.Close()
	}
	return nil
}

// PendingBytes returns the bytes held in segment files.
func (s *Spool) PendingBytes() int64 {
	segments, err := s.listSegments()
	if err != nil {
		return 0
	}
	var total int64
	for _, seg := range segments {
		info, err := os.Stat(seg)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

// SegmentCount returns the number of segment files.
func (s *Spool) SegmentCount() int {
	segs, _ := s.listSegments()
	return len(segs)
}

// --- Internal methods ---

func (s *Spool) segmentPath(num uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%09d.spool", num))
}

func (s *Spool) checkpointPath() string {
	return filepath.Join(s.dir, "checkpoint.json")
}

func (s *Spool) loadCheckpoint() (checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint{}, nil
	}
	if err != nil {
		return checkpoint{}, fmt.Errorf("spool: read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("spool: parse checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Spool) saveCheckpoint(cp checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("spool: marshal checkpoint: %w", err)
	}

	tmp := s.checkpointPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is constructed from s.dir
	if err != nil {
		return fmt.Errorf("spool: write checkpoint tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("spool: write checkpoint tmp: %w", err)
	}
	// Sync the temp file before rename for crash safety.
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("spool: sync checkpoint tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, s.checkpointPath()); err != nil {
		return fmt.Errorf("spool: rename checkpoint: %w", err)
	}
	return nil
}

func (s *Spool) rotateSegment() error {
	if s.current != nil {
		if err := s.current.Sync(); err != nil {
			s.logger.Warn("spool: sync before rotation failed", "error", err)
		}
		if err := s.current.Close(); err != nil {
			s.logger.Warn("spool: close before rotation failed", "error", err)
		}
	}

	path := s.segmentPath(s.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from s.dir
	if err != nil {
		return fmt.Errorf("spool: open segment %d: %w", s.segmentNum, err)
	}

	var hdr [spoolHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], spoolMagic)
	binary.BigEndian.PutUint16(hdr[4:6], spoolVersion)
	// hdr[6:8] reserved = 0
	binary.BigEndian.PutUint64(hdr[8:16], s.nextLSN)

	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("spool: write segment header: %w", err)
	}

	s.current = f
	s.currentPath = path
	s.segmentSize = spoolHeaderSize
	s.segmentRecs = 0
	s.segmentNum++
	return nil
}

func (s *Spool) listSegments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".spool") {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(paths) // lexicographic = numeric order due to zero-padding
	return paths, nil
}

func (s *Spool) highestSegment() (uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var highest uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".spool") {
			continue
		}
		var num uint64
		if _, err := fmt.Sscanf(name, "%09d.spool", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest, nil
}

// readSegment returns the valid records of a segment. Reading stops at the
// first truncated or corrupted record.
func (s *Spool) readSegment(path string) ([]SpoolRecord, uint64, error) {
	f, err := os.Open(path) //nolint:gosec // path is constructed from s.dir
	if err != nil {
		return nil, 0, fmt.Errorf("spool: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file; close error is non-actionable

	var hdr [spoolHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("spool: read segment header: %w", err)
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != spoolMagic {
		return nil, 0, fmt.Errorf("spool: bad magic 0x%08X (expected 0x%08X)", magic, spoolMagic)
	}
	version := binary.BigEndian.Uint16(hdr[4:6])
	if version != spoolVersion {
		return nil, 0, fmt.Errorf("spool: unsupported version %d", version)
	}

	var records []SpoolRecord
	var highLSN uint64

	for {
		var head [spoolRecordHead]byte
		_, err := io.ReadFull(f, head[:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break // end of segment or truncated record
		}
		if err != nil {
			return records, highLSN, fmt.Errorf("spool: read record head: %w", err)
		}

		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])
		if payloadLen > spoolMaxPayload {
			s.logger.Warn("spool: corrupted payload length, stopping segment read",
				"path", path, "lsn", lsn, "payload_len", payloadLen)
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break // truncated record
		}
		var crcBuf [spoolCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break // truncated CRC
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		expected := h.Sum32()
		actual := binary.BigEndian.Uint32(crcBuf[:])
		if expected != actual {
			s.logger.Warn("spool: CRC mismatch, stopping segment read",
				"path", path, "lsn", lsn, "expected_crc", expected, "actual_crc", actual)
			break
		}

		var batch model.RunBatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			s.logger.Warn("spool: corrupted batch JSON, stopping segment read",
				"path", path, "lsn", lsn, "error", err)
			break
		}

		records = append(records, SpoolRecord{LSN: lsn, Batch: batch})
		if lsn > highLSN {
			highLSN = lsn
		}
	}
	return records, highLSN, nil
}

// cleanupSegments deletes closed segments whose records are all at or below
// flushedLSN, including closed segments that never received a record.
func (s *Spool) cleanupSegments(flushedLSN uint64) error {
	segments, err := s.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg == s.currentPath {
			continue
		}
		_, highLSN, err := s.readSegment(seg)
		if err != nil {
			continue // skip unreadable segments
		}
		if highLSN <= flushedLSN {
			if err := os.Remove(seg); err != nil {
				s.logger.Warn("spool: failed to delete delivered segment", "path", seg, "error", err)
			}
		}
	}
	return nil
}

func (s *Spool) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.current != nil && !s.closed {
				if err := s.current.Sync(); err != nil {
					s.logger.Warn("spool: batch sync failed", "error", err)
				}
			}
			s.mu.Unlock()
		}
	}
}

// registerMetrics registers OTEL metrics for spool health monitoring.
// Close unregisters them.
func (s *Spool) registerMetrics() {
	meter := telemetry.Meter("lemma/spool")

	segments, _ := meter.Int64ObservableGauge("lemma.spool.segment_count",
		metric.WithDescription("Current number of spool segment files"))
	pendingBytes, _ := meter.Int64ObservableGauge("lemma.spool.pending_bytes",
		metric.WithDescription("Bytes held in spool segment files"))
	outstanding, _ := meter.Int64ObservableGauge("lemma.spool.outstanding_batches",
		metric.WithDescription("Run batches written to the spool but not yet delivered"))

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(segments, int64(s.SegmentCount()))
		o.ObserveInt64(pendingBytes, s.PendingBytes())
		o.ObserveInt64(outstanding, int64(s.Outstanding()))
		return nil
	}, segments, pendingBytes, outstanding)
	if err != nil {
		s.logger.Warn("spool: register metrics", "error", err)
		return
	}
	s.mu.Lock()
	s.metrics = reg
	s.mu.Unlock()
}

func (s *Spool) takeMetrics() metric.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.metrics
	s.metrics = nil
	return reg
}
