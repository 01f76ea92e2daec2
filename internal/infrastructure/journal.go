package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Journal event types.
const (
	JournalMeasurement   = "measurement"
	JournalAlertTrigger  = "alert_triggered"
	JournalAlertResolve  = "alert_resolved"
	JournalInstallResult = "install_result"
)

// JournalEvent is one line of the append-only fleet event journal.
type JournalEvent struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Journal is an append-only JSON-lines event log. It feeds the replay
// tooling and warms telemetry windows on boot. Writers may be concurrent;
// appends are serialized internally.
type Journal struct {
	path         string
	file         *os.File
	encoder      *json.Encoder
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
}

// NewJournal opens (or creates) the journal file at path.
func NewJournal(path string, rotationSize int64) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal file: %w", err)
	}

	if rotationSize <= 0 {
		rotationSize = 64 << 20 // 64MB
	}

	return &Journal{
		path:         path,
		file:         file,
		encoder:      json.NewEncoder(file),
		rotationSize: rotationSize,
		currentSize:  stat.Size(),
	}, nil
}

// Append writes one event. The payload is marshaled into the event's Data
// field.
func (j *Journal) Append(eventType, deviceID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal journal payload: %w", err)
	}

	event := JournalEvent{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		DeviceID:  deviceID,
		Data:      data,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.encoder.Encode(&event); err != nil {
		return fmt.Errorf("failed to append journal event: %w", err)
	}
	j.currentSize += int64(len(data)) + 128

	if j.currentSize >= j.rotationSize {
		return j.rotate()
	}
	return nil
}

const rotatedSuffixFormat = "20060102150405"

// rotate renames the current file aside and starts a fresh one. Caller
// holds the mutex.
func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", j.path, time.Now().UTC().Format(rotatedSuffixFormat))
	if err := os.Rename(j.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}

	j.file = file
	j.encoder = json.NewEncoder(file)
	j.currentSize = 0
	return nil
}

// ReadRange returns events within [from, to], optionally filtered by device,
// in file order (which is time order for a single writer set). Rotated
// segments are scanned before the current file, oldest first.
func (j *Journal) ReadRange(deviceID string, from, to time.Time) ([]JournalEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	segments, err := filepath.Glob(j.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(segments)

	var events []JournalEvent
	for _, segment := range segments {
		// The suffix is the rotation time, an upper bound on the segment's
		// contents. The extra second absorbs the suffix's truncation.
		suffix := strings.TrimPrefix(segment, j.path+".")
		if ts, parseErr := time.Parse(rotatedSuffixFormat, suffix); parseErr == nil && ts.Add(time.Second).Before(from) {
			continue
		}
		if err := readSegment(segment, deviceID, from, to, &events); err != nil {
			return nil, err
		}
	}
	if err := readSegment(j.path, deviceID, from, to, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func readSegment(path, deviceID string, from, to time.Time, events *[]JournalEvent) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event JournalEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			// Skip torn writes from a crashed process.
			continue
		}
		if deviceID != "" && event.DeviceID != deviceID {
			continue
		}
		if event.Timestamp.Before(from) || event.Timestamp.After(to) {
			continue
		}
		*events = append(*events, event)
	}
	return scanner.Err()
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
