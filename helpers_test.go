package shugo

import (
	"sync"
	"testing"

	"github.com/sheep-shaker/Shugo-sub004/audit"
	"github.com/sheep-shaker/Shugo-sub004/persist"
)

// testMasterKey returns a deterministic master key that passes the entropy
// check.
func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i*7 + 13)
	}
	return key
}

// altMasterKey returns a second strong key, distinct from testMasterKey.
func altMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i*11 + 3)
	}
	return key
}

func testOptions() Options {
	return Options{
		MasterKey: testMasterKey(),
		Actor:     "test",
	}
}

func newTestStore(t *testing.T) *persist.FileSystemStore {
	t.Helper()

	store, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemStore failed: %v", err)
	}
	return store
}

// newTestService builds an initialized vault on a throwaway filesystem store.
func newTestService(t *testing.T) *Service {
	t.Helper()
	return newTestServiceOn(t, testOptions(), newTestStore(t), audit.NewNoOpLogger())
}

func newTestServiceOn(t *testing.T, options Options, store persist.Store, logger audit.Logger) *Service {
	t.Helper()

	service, err := New(options, store, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err = service.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return service
}

// recordingLogger captures protocol events so tests can assert on the trail.
type recordingLogger struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	protocol string
	success  bool
	fields   map[string]interface{}
}

func (r *recordingLogger) Log(protocol string, success bool, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	r.events = append(r.events, recordedEvent{protocol: protocol, success: success, fields: copied})
	return nil
}

func (r *recordingLogger) Query(audit.QueryOptions) (audit.QueryResult, error) {
	return audit.QueryResult{}, nil
}

func (r *recordingLogger) Close() error { return nil }

func (r *recordingLogger) count(protocol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, event := range r.events {
		if event.protocol == protocol {
			n++
		}
	}
	return n
}
