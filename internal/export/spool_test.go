package export

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselemma/lemma-go/internal/model"
	"github.com/uselemma/lemma-go/internal/testutil"
)

func testSpoolConfig(t *testing.T) SpoolConfig {
	t.Helper()
	return SpoolConfig{
		Dir:            t.TempDir(),
		SyncMode:       "none", // fast for tests
		MaxSegmentSize: minSegmentSize,
		MaxSegmentRecs: 200,
	}
}

func testBatches(t *testing.T, n int) []model.RunBatch {
	t.Helper()
	batches := make([]model.RunBatch, n)
	for i := range batches {
		batches[i] = testutil.RunBatch(t, fmt.Sprintf("run-%d", i), "spool-test-agent", 1)
	}
	return batches
}

func writeAll(t *testing.T, s *Spool, batches []model.RunBatch) []uint64 {
	t.Helper()
	lsns := make([]uint64, len(batches))
	for i, b := range batches {
		lsn, err := s.Write(b)
		require.NoError(t, err)
		lsns[i] = lsn
	}
	return lsns
}

func closeSpool(t *testing.T, s *Spool) {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Logf("spool close: %v", err)
	}
}

func TestSpool_WriteAndRecover(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	batches := testBatches(t, 5)
	writeAll(t, s, batches)
	require.NoError(t, s.Close())

	// Reopen and recover — all 5 should come back.
	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 5)
	for i, r := range recovered {
		assert.Equal(t, batches[i].RunID, r.Batch.RunID, "batch %d run id mismatch", i)
		assert.Len(t, r.Batch.Spans, 2)
		assert.Equal(t, batches[i].Spans[1].SpanID, r.Batch.Spans[1].SpanID)
	}
	assert.Equal(t, 5, s2.Outstanding())
}

func TestSpool_LSNsIncreaseAcrossReopen(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	first := writeAll(t, s, testBatches(t, 3))
	require.NoError(t, s.Close())

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)
	lsn, err := s2.Write(testutil.RunBatch(t, "later", "agent", 0))
	require.NoError(t, err)
	assert.Greater(t, lsn, first[2])
}

func TestSpool_AckAdvancesRecovery(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	batches := testBatches(t, 10)
	lsns := writeAll(t, s, batches)

	// Deliver the first 6.
	for _, lsn := range lsns[:6] {
		require.NoError(t, s.Ack(lsn))
	}
	require.NoError(t, s.Close())

	// Recover — should get only the last 4.
	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 4, "should recover only undelivered batches")
	for i, r := range recovered {
		assert.Equal(t, batches[6+i].RunID, r.Batch.RunID, "recovered batch %d mismatch", i)
	}
}

func TestSpool_OutOfOrderAck(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	batches := testBatches(t, 3)
	lsns := writeAll(t, s, batches)

	// The second and third deliveries finish before the first.
	require.NoError(t, s.Ack(lsns[1]))
	require.NoError(t, s.Ack(lsns[2]))
	assert.Equal(t, 1, s.Outstanding())

	recovered, err := s.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, batches[0].RunID, recovered[0].Batch.RunID)
	require.NoError(t, s.Close())

	// The checkpoint could not move past the first batch, so a restart
	// redelivers everything after it as well.
	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)
	recovered, err = s2.Recover()
	require.NoError(t, err)
	assert.Len(t, recovered, 3)
}

func TestSpool_AckAll_EmptyRecovery(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	for _, lsn := range writeAll(t, s, testBatches(t, 3)) {
		require.NoError(t, s.Ack(lsn))
	}
	require.NoError(t, s.Close())

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered, "all batches delivered, nothing to recover")
}

func TestSpool_EmptyRecovery(t *testing.T) {
	s, err := NewSpool(testutil.TestLogger(), testSpoolConfig(t))
	require.NoError(t, err)
	defer closeSpool(t, s)

	recovered, err := s.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered, "fresh spool should have nothing to recover")
}

func TestSpool_AckUnknownIsNoop(t *testing.T) {
	s, err := NewSpool(testutil.TestLogger(), testSpoolConfig(t))
	require.NoError(t, err)
	defer closeSpool(t, s)

	require.NoError(t, s.Ack(42))
	assert.Equal(t, 0, s.Outstanding())
}

func TestSpool_SegmentRotation(t *testing.T) {
	cfg := testSpoolConfig(t)
	cfg.MaxSegmentRecs = minSegmentRecords

	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	writeAll(t, s, testBatches(t, 25))
	require.NoError(t, s.Close())

	segCount := countSpoolFiles(t, cfg.Dir)
	assert.GreaterOrEqual(t, segCount, 3, "25 batches with 10/segment should produce at least 3 segments")

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	assert.Len(t, recovered, 25, "all batches should be recoverable across segments")
}

func TestSpool_SegmentCleanup(t *testing.T) {
	cfg := testSpoolConfig(t)
	cfg.MaxSegmentRecs = minSegmentRecords

	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	lsns := writeAll(t, s, testBatches(t, 25))

	beforeCleanup := countSpoolFiles(t, cfg.Dir)
	require.GreaterOrEqual(t, beforeCleanup, 3)

	for _, lsn := range lsns {
		require.NoError(t, s.Ack(lsn))
	}

	afterCleanup := countSpoolFiles(t, cfg.Dir)
	assert.Less(t, afterCleanup, beforeCleanup,
		"acks should delete delivered segments (before=%d, after=%d)", beforeCleanup, afterCleanup)

	require.NoError(t, s.Close())
}

func TestSpool_CorruptedRecord(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	writeAll(t, s, testBatches(t, 5))
	require.NoError(t, s.Close())

	segs := listSpoolFiles(t, cfg.Dir)
	require.NotEmpty(t, segs)

	lastSeg := segs[len(segs)-1]
	data, err := os.ReadFile(lastSeg) //nolint:gosec // test file path
	require.NoError(t, err)
	require.Greater(t, len(data), spoolHeaderSize+spoolRecordHead+10)

	// Flip a byte in the first record's payload area.
	corruptIdx := spoolHeaderSize + spoolRecordHead + 5
	data[corruptIdx] ^= 0xFF
	require.NoError(t, os.WriteFile(lastSeg, data, 0o600))

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	assert.Less(t, len(recovered), 5, "corrupted record should truncate recovery")
}

func TestSpool_ConcurrentWrites(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	const goroutines = 10
	const batchesPerGo = 5

	batches := testBatches(t, batchesPerGo)

	var wg sync.WaitGroup
	errCh := make(chan error, goroutines*batchesPerGo)

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, b := range batches {
				if _, err := s.Write(b); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent write error: %v", err)
	}

	require.NoError(t, s.Close())

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, goroutines*batchesPerGo,
		"all concurrently-written batches should be recoverable")
	for i := 1; i < len(recovered); i++ {
		assert.Less(t, recovered[i-1].LSN, recovered[i].LSN)
	}
}

func TestSpool_WriteAfterClose(t *testing.T) {
	s, err := NewSpool(testutil.TestLogger(), testSpoolConfig(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	_, err = s.Write(testutil.RunBatch(t, "late", "agent", 0))
	assert.ErrorIs(t, err, ErrSpoolClosed)
}

func TestSpool_DisabledWhenDirEmpty(t *testing.T) {
	s, err := NewSpool(testutil.TestLogger(), SpoolConfig{Dir: ""})
	require.NoError(t, err)
	assert.Nil(t, s, "empty dir should return nil spool")
}

func TestSpool_InvalidSyncMode(t *testing.T) {
	cfg := testSpoolConfig(t)
	cfg.SyncMode = "turbo"

	_, err := NewSpool(testutil.TestLogger(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync mode")
}

func TestSpool_SegmentSizeTooSmall(t *testing.T) {
	cfg := testSpoolConfig(t)
	cfg.MaxSegmentSize = 100

	_, err := NewSpool(testutil.TestLogger(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment size")
}

func TestSpool_SegmentRecordsTooSmall(t *testing.T) {
	cfg := testSpoolConfig(t)
	cfg.MaxSegmentRecs = 5

	_, err := NewSpool(testutil.TestLogger(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment records")
}

func TestSpool_BatchSyncMode(t *testing.T) {
	cfg := testSpoolConfig(t)
	cfg.SyncMode = "batch"
	cfg.SyncInterval = 50 * time.Millisecond

	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	writeAll(t, s, testBatches(t, 3))

	// Let the sync goroutine fire at least once.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Close())

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	assert.Len(t, recovered, 3)
}

func TestSpool_FullSyncMode(t *testing.T) {
	cfg := testSpoolConfig(t)
	cfg.SyncMode = "full"

	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	writeAll(t, s, testBatches(t, 3))
	require.NoError(t, s.Close())

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	assert.Len(t, recovered, 3)
}

func TestSpool_PendingBytesAndSegmentCount(t *testing.T) {
	s, err := NewSpool(testutil.TestLogger(), testSpoolConfig(t))
	require.NoError(t, err)
	defer closeSpool(t, s)

	assert.GreaterOrEqual(t, s.SegmentCount(), 1, "should have at least the initial segment")

	before := s.PendingBytes()
	writeAll(t, s, testBatches(t, 2))
	assert.Greater(t, s.PendingBytes(), before, "pending bytes should grow after writes")
}

func TestSpool_BadMagicRejected(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	writeAll(t, s, testBatches(t, 3))
	require.NoError(t, s.Close())

	segs := listSpoolFiles(t, cfg.Dir)
	require.NotEmpty(t, segs)

	data, err := os.ReadFile(segs[0]) //nolint:gosec // test file path
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[0:4], 0xDEADBEEF)
	require.NoError(t, os.WriteFile(segs[0], data, 0o600))

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered, "bad magic should prevent recovery from that segment")
}

func TestSpool_TruncatedRecord(t *testing.T) {
	cfg := testSpoolConfig(t)
	s, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)

	writeAll(t, s, testBatches(t, 5))
	require.NoError(t, s.Close())

	segs := listSpoolFiles(t, cfg.Dir)
	require.NotEmpty(t, segs)

	lastSeg := segs[len(segs)-1]
	info, err := os.Stat(lastSeg)
	require.NoError(t, err)

	// Chop off 20 bytes from the end — should corrupt the last record.
	truncSize := info.Size() - 20
	require.Greater(t, truncSize, int64(spoolHeaderSize))
	require.NoError(t, os.Truncate(lastSeg, truncSize))

	s2, err := NewSpool(testutil.TestLogger(), cfg)
	require.NoError(t, err)
	defer closeSpool(t, s2)

	recovered, err := s2.Recover()
	require.NoError(t, err)
	assert.Len(t, recovered, 4, "truncated segment should lose only the last record")
}

// --- helpers ---

func countSpoolFiles(t *testing.T, dir string) int {
	t.Helper()
	return len(listSpoolFiles(t, dir))
}

func listSpoolFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".spool" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths
}
