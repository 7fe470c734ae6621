// Command objectstore-bench compares WAL append throughput against a bbolt
// baseline at varying payload and batch sizes, the same append-latency
// comparison the WAL package this store is built on benchmarks against
// raftboltdb.
package main

import (
	"crypto/sha256"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"
	flag "github.com/spf13/pflag"
	bolt "go.etcd.io/bbolt"

	"github.com/dreamsxin/objectstore/internal/store/schema"
	"github.com/dreamsxin/objectstore/internal/store/wal"
)

func main() {
	var (
		dir        string
		iterations int
		batchSize  int
		payload    int
		logPath    string
	)
	flag.StringVar(&dir, "dir", "", "scratch directory (defaults to a temp dir)")
	flag.IntVar(&iterations, "iterations", 2000, "number of batches to append")
	flag.IntVar(&batchSize, "batch-size", 1, "records per batch")
	flag.IntVar(&payload, "payload-bytes", 256, "payload bytes per operation (hashed into each WAL Put record; stored as each bolt value)")
	flag.StringVar(&logPath, "hdr-log", "", "optional HdrHistogram interval log output path")
	flag.Parse()

	if dir == "" {
		d, err := os.MkdirTemp("", "objectstore-bench-*")
		if err != nil {
			fatal(err)
		}
		dir = d
		defer os.RemoveAll(dir)
	}

	walHist := hdrhistogram.New(1, 10_000_000, 3)
	boltHist := hdrhistogram.New(1, 10_000_000, 3)

	if err := benchWal(filepath.Join(dir, "wal.log"), iterations, batchSize, payload, walHist); err != nil {
		fatal(err)
	}
	if err := benchBolt(filepath.Join(dir, "bolt.db"), iterations, batchSize, payload, boltHist); err != nil {
		fatal(err)
	}

	report("wal", walHist)
	report("bbolt", boltHist)

	if logPath != "" {
		if err := writeHdrLog(logPath, walHist, boltHist); err != nil {
			fatal(err)
		}
	}
}

func benchWal(path string, iterations, batchSize, payload int, hist *hdrhistogram.Histogram) error {
	w, err := wal.Open(path)
	if err != nil {
		return err
	}
	defer w.Close()

	batch := make([]schema.WalRecord, batchSize)
	buf := make([]byte, payload)
	for i := 0; i < iterations; i++ {
		rand.Read(buf)
		h := schema.Hash(sha256.Sum256(buf))
		for j := range batch {
			batch[j] = schema.WalRecord{
				Kind:    schema.WalPut,
				Key:     fmt.Sprintf("bench-key-%d-%d", i, j),
				Version: uint64(i + 1),
				Hash:    h,
				Size:    uint64(payload),
				Ts:      time.Now().UnixNano(),
			}
		}
		start := time.Now()
		if err := w.AppendBatch(batch); err != nil {
			return err
		}
		_ = hist.RecordValue(time.Since(start).Microseconds())
	}
	return nil
}

func benchBolt(path string, iterations, batchSize, payload int, hist *hdrhistogram.Histogram) error {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	const bucket = "bench"
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		return err
	}

	buf := make([]byte, payload)
	for i := 0; i < iterations; i++ {
		rand.Read(buf)
		start := time.Now()
		if err := db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucket))
			for j := 0; j < batchSize; j++ {
				key := []byte(fmt.Sprintf("bench-key-%d-%d", i, j))
				if err := b.Put(key, buf); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		_ = hist.RecordValue(time.Since(start).Microseconds())
	}
	return nil
}

func report(label string, h *hdrhistogram.Histogram) {
	fmt.Printf("%s: p50=%dus p95=%dus p99=%dus max=%dus count=%d\n",
		label, h.ValueAtQuantile(50), h.ValueAtQuantile(95), h.ValueAtQuantile(99), h.Max(), h.TotalCount())
}

func writeHdrLog(path string, hists ...*hdrhistogram.Histogram) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	startMs := time.Now().UnixMilli()
	logWriter := hdrwriter.NewHistogramLogWriter(f, startMs)
	logWriter.OutputLogFormatVersion()
	logWriter.OutputStartTime(startMs)
	logWriter.OutputLegend()
	for _, h := range hists {
		if err := logWriter.OutputIntervalHistogram(h); err != nil {
			return err
		}
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "objectstore-bench:", err)
	os.Exit(1)
}
