// Package logger records timestamped histogram readings to CSV files with
// automatic rotation.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dhhagan/go-opc/internal/opc"
)

// Logger writes one CSV row per recorded reading.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows
)

var csvHeader = func() []string {
	h := []string{"timestamp"}
	for i := 0; i < 16; i++ {
		h = append(h, fmt.Sprintf("bin%d", i))
	}
	h = append(h,
		"bin1_mtof_us", "bin3_mtof_us", "bin5_mtof_us", "bin7_mtof_us",
		"sfr_ml_s", "temp_c", "pressure_pa", "period_s",
		"pm1", "pm25", "pm10", "checksum",
	)
	return h
}()

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/opcdash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = time.Second
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a reading if the minimum interval has elapsed.
func (l *Logger) Record(h *opc.HistogramReading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || h == nil {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, h)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("opc_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, h *opc.HistogramReading) []string {
	row := make([]string, 0, len(csvHeader))
	row = append(row, ts.Format(time.RFC3339Nano))

	for _, b := range h.Bins {
		row = append(row, fmt.Sprintf("%.4f", b))
	}
	row = append(row,
		fmt.Sprintf("%.2f", h.Bin1MToF),
		fmt.Sprintf("%.2f", h.Bin3MToF),
		fmt.Sprintf("%.2f", h.Bin5MToF),
		fmt.Sprintf("%.2f", h.Bin7MToF),
	)

	// Temperature and pressure share a wire field; whichever is absent
	// logs as an empty cell.
	sfr, temp, press := "", "", ""
	if h.SampleFlowRate != nil {
		sfr = fmt.Sprintf("%.3f", *h.SampleFlowRate)
	}
	if h.Temperature != nil {
		temp = fmt.Sprintf("%.1f", *h.Temperature)
	}
	if h.Pressure != nil {
		press = fmt.Sprintf("%d", *h.Pressure)
	}
	row = append(row, sfr, temp, press,
		fmt.Sprintf("%.6f", h.SamplingPeriod),
		fmt.Sprintf("%.3f", h.PM1),
		fmt.Sprintf("%.3f", h.PM25),
		fmt.Sprintf("%.3f", h.PM10),
		fmt.Sprintf("%d", h.Checksum),
	)
	return row
}
