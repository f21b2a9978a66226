package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// Command operations applied through the raft log.
const (
	opPut    = "put"
	opDelete = "delete"
)

// command is a single state mutation. ExpectedVersion nil means an
// unconditional put; a pointer makes the put conditional (0 = create only).
// The version check runs inside Apply, so it is serialized by the log and
// safe against concurrent proposers.
type command struct {
	Op              string  `json:"op"`
	Key             string  `json:"key"`
	Value           []byte  `json:"value,omitempty"`
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
}

// fsm holds the replicated record map.
type fsm struct {
	mu     sync.RWMutex
	data   map[string]Record
	logger *zap.Logger
}

func newFSM(logger *zap.Logger) *fsm {
	return &fsm{
		data:   make(map[string]Record),
		logger: logger,
	}
}

// Apply applies a raft log entry to the FSM. The response is either a Record
// (successful put) or an error; *ConflictError and *NotFoundError pass
// through so callers can react to contention.
func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal command",
			zap.Error(err),
			zap.Uint64("index", l.Index),
		)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPut:
		return f.applyPut(&cmd)
	case opDelete:
		return f.applyDelete(cmd.Key)
	default:
		err := fmt.Errorf("unknown operation: %s", cmd.Op)
		f.logger.Error("Unknown operation", zap.String("op", cmd.Op))
		return err
	}
}

func (f *fsm) applyPut(cmd *command) interface{} {
	current, exists := f.data[cmd.Key]

	if cmd.ExpectedVersion != nil {
		expected := *cmd.ExpectedVersion
		if expected == 0 {
			if exists {
				return &ConflictError{Key: cmd.Key, ExpectedVersion: 0, ActualVersion: current.Version}
			}
		} else if !exists || current.Version != expected {
			return &ConflictError{Key: cmd.Key, ExpectedVersion: expected, ActualVersion: current.Version}
		}
	}

	rec := Record{
		Key:     cmd.Key,
		Value:   append([]byte(nil), cmd.Value...),
		Version: current.Version + 1,
	}
	f.data[cmd.Key] = rec

	f.logger.Debug("Applied put",
		zap.String("key", cmd.Key),
		zap.Uint64("version", rec.Version),
		zap.Int("value_size", len(cmd.Value)),
	)

	return cloneRecord(rec)
}

func (f *fsm) applyDelete(key string) interface{} {
	if _, exists := f.data[key]; !exists {
		return &NotFoundError{Key: key}
	}
	delete(f.data, key)
	f.logger.Debug("Applied delete", zap.String("key", key))
	return nil
}

// get serves reads from the local replica.
func (f *fsm) get(key string) (Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, ok := f.data[key]
	if !ok {
		return Record{}, &NotFoundError{Key: key}
	}
	return cloneRecord(rec), nil
}

// list returns records under prefix in key order.
func (f *fsm) list(prefix string) []Record {
	f.mu.RLock()
	defer f.mu.RUnlock()

	records := make([]Record, 0)
	for key, rec := range f.data {
		if strings.HasPrefix(key, prefix) {
			records = append(records, cloneRecord(rec))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records
}

// Snapshot creates a point-in-time copy of the record map.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dataCopy := make(map[string]Record, len(f.data))
	for k, v := range f.data {
		dataCopy[k] = cloneRecord(v)
	}

	f.logger.Info("Created snapshot", zap.Int("records", len(dataCopy)))
	return &fsmSnapshot{data: dataCopy}, nil
}

// Restore replaces the FSM state from a snapshot.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot snapshotData
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.data = make(map[string]Record, len(snapshot.Data))
	for key, rec := range snapshot.Data {
		f.data[key] = rec
	}

	f.logger.Info("Restored from snapshot",
		zap.Int("records", len(f.data)),
		zap.Time("snapshot_time", snapshot.Timestamp),
	)
	return nil
}

// fsmSnapshot persists a copy of the record map to a snapshot sink.
type fsmSnapshot struct {
	data map[string]Record
}

// snapshotData is the serialized snapshot format.
type snapshotData struct {
	Version   int               `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]Record `json:"data"`
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	payload := snapshotData{
		Version:   1,
		Timestamp: time.Now(),
		Data:      s.data,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return sink.Close()
}

// Release is a no-op; the snapshot holds only an in-memory copy.
func (s *fsmSnapshot) Release() {}
