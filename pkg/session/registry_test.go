//go:build !windows

package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwahq/kaiwa/internal/config"
	"github.com/kaiwahq/kaiwa/pkg/compact"
	"github.com/kaiwahq/kaiwa/pkg/proc"
	"github.com/kaiwahq/kaiwa/pkg/wire"
)

const (
	testIdentity  = "abcdefghijklmnopqrstuvwxyz"
	otherIdentity = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// memStore is an in-memory Store for tests
type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
	ctxs map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		recs: make(map[string]*Record),
		ctxs: make(map[string]string),
	}
}

func (m *memStore) Get(identity string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, identity)
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) Save(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.Identity] = &cp
	return nil
}

func (m *memStore) Touch(identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[identity]; ok {
		rec.LastActiveAt = at
	}
	return nil
}

func (m *memStore) RecordCompaction(identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[identity]; ok {
		rec.CompactionCount++
		rec.LastCompactionAt = at
	}
	return nil
}

func (m *memStore) SaveContext(identity, export string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxs[identity] = export
	return nil
}

func (m *memStore) ExportContext(identity string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	export, ok := m.ctxs[identity]
	if !ok {
		return "", fmt.Errorf("%w: no context export for %s", ErrSessionNotFound, identity)
	}
	return export, nil
}

// writeFakeBinary writes a shell script standing in for the assistant
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func initLine(identity string) string {
	return fmt.Sprintf(`{"type":"init","data":{"session_id":"%s","model":"sonnet","cwd":"/w"}}`, identity)
}

func newTestRegistry(t *testing.T, binary string, store Store) *Registry {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Runner.BinaryPath = binary
	cfg.Runner.CaptureTimeoutMs = 2000
	cfg.Models.ContextWindows = map[string]int{"sonnet": 1000}

	r := NewRegistry(cfg, proc.ForHost(), store, zerolog.Nop(), nil)
	t.Cleanup(r.Close)
	return r
}

func nextEvent(t *testing.T, s *Session) wire.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func drainToClose(t *testing.T, s *Session) []wire.Event {
	t.Helper()
	var events []wire.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out draining events")
		}
	}
}

func TestCreateEndToEnd(t *testing.T) {
	// Scenario: fresh spawn emits init, a stop, then exits
	binary := writeFakeBinary(t, fmt.Sprintf(`
echo '%s'
echo '{"type":"stop","data":{"message_id":"m1","reason":"end_turn"}}'
`, initLine(testIdentity)))

	r := newTestRegistry(t, binary, newMemStore())

	s, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, testIdentity, s.Identity())
	assert.False(t, s.IsResumed())

	events := drainToClose(t, s)
	require.Len(t, events, 3)

	init, ok := events[0].(wire.Init)
	require.True(t, ok)
	assert.Len(t, init.Identity, IdentityLength)

	_, ok = events[1].(wire.Stop)
	assert.True(t, ok)

	// Exactly one terminal ProcessEnd, then close
	end, ok := events[2].(wire.ProcessEnd)
	require.True(t, ok)
	assert.Equal(t, 0, end.ExitCode)

	// Natural exit cleans up the registry
	assert.Eventually(t, func() bool { return r.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Processes().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCreateIdentityTimeout(t *testing.T) {
	binary := writeFakeBinary(t, "sleep 30")

	r := newTestRegistry(t, binary, nil)
	r.cfg.Runner.CaptureTimeoutMs = 500

	start := time.Now()
	_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentityTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// No partial registration left behind; the process was killed
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.Processes().Count())
}

func TestCreateInvalidIdentity(t *testing.T) {
	binary := writeFakeBinary(t, `echo '{"type":"init","data":{"session_id":"way-too-short"}}'
sleep 30`)

	r := newTestRegistry(t, binary, nil)

	_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.Processes().Count())
}

func TestCreateBinaryNotFound(t *testing.T) {
	r := newTestRegistry(t, "/no/such/claude", nil)

	_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	assert.ErrorIs(t, err, proc.ErrBinaryNotFound)
}

func TestCreateProcessExitsBeforeInit(t *testing.T) {
	binary := writeFakeBinary(t, "exit 7")

	r := newTestRegistry(t, binary, nil)

	_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, 0, r.Count())
}

func TestSecondInitIgnored(t *testing.T) {
	binary := writeFakeBinary(t, fmt.Sprintf(`
echo '%s'
echo '%s'
echo '{"type":"stop","data":{"message_id":"m1","reason":"end_turn"}}'
`, initLine(testIdentity), initLine(otherIdentity)))

	r := newTestRegistry(t, binary, newMemStore())

	s, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, testIdentity, s.Identity())

	events := drainToClose(t, s)

	inits := 0
	for _, ev := range events {
		if ev.Kind() == wire.KindInit {
			inits++
		}
	}
	assert.Equal(t, 1, inits)
}

func TestUsageAccumulationEndToEnd(t *testing.T) {
	binary := writeFakeBinary(t, fmt.Sprintf(`
echo '%s'
echo '{"type":"usage","data":{"input_tokens":100,"output_tokens":20}}'
echo '{"type":"usage","data":{"input_tokens":50,"output_tokens":30,"cache_read_input_tokens":5}}'
sleep 5
`, initLine(testIdentity)))

	r := newTestRegistry(t, binary, nil)

	s, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, wire.KindInit, nextEvent(t, s).Kind())
	assert.Equal(t, wire.KindUsage, nextEvent(t, s).Kind())
	assert.Equal(t, wire.KindUsage, nextEvent(t, s).Kind())

	totals, err := r.Usage(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, int64(150), totals.Input)
	assert.Equal(t, int64(50), totals.Output)
	assert.Equal(t, int64(5), totals.CacheRead)

	require.NoError(t, r.Kill(testIdentity))
}

func TestMalformedLineSkipped(t *testing.T) {
	binary := writeFakeBinary(t, fmt.Sprintf(`
echo '%s'
printf '{"type":"stop","data":{"message_id":"m","reason":"end_turn"}}\n{"type":oops}\n'
`, initLine(testIdentity)))

	r := newTestRegistry(t, binary, nil)

	s, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.NoError(t, err)

	events := drainToClose(t, s)
	// init, stop, process end; the malformed line produced nothing
	require.Len(t, events, 3)
	assert.Equal(t, wire.KindInit, events[0].Kind())
	assert.Equal(t, wire.KindStop, events[1].Kind())
	assert.Equal(t, wire.KindProcessEnd, events[2].Kind())
}

func TestKillIdempotence(t *testing.T) {
	binary := writeFakeBinary(t, fmt.Sprintf("echo '%s'\nsleep 30", initLine(testIdentity)))

	r := newTestRegistry(t, binary, nil)

	_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.Kill(testIdentity))

	err = r.Kill(testIdentity)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestKillDuringCapture(t *testing.T) {
	binary := writeFakeBinary(t, "sleep 30")

	r := newTestRegistry(t, binary, nil)
	r.cfg.Runner.CaptureTimeoutMs = 5000

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
		errCh <- err
	}()

	// Wait for the provisional registration, then kill everything. Create
	// must return right away rather than sitting out the capture window.
	require.Eventually(t, func() bool { return r.Processes().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	r.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSessionKilled)
	case <-time.After(3 * time.Second):
		t.Fatal("create did not return after kill")
	}
	assert.Equal(t, 0, r.Processes().Count())
}

func TestKillRemovesSessionOnlyAfterProcessDies(t *testing.T) {
	// The shell ignores the polite signal, so the kill sits out the grace
	// period before the hard kill lands. The session must stay live until
	// the process is actually gone.
	binary := writeFakeBinary(t, fmt.Sprintf(`trap '' TERM
echo '%s'
while :; do sleep 1; done`, initLine(testIdentity)))

	r := newTestRegistry(t, binary, nil)

	_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.NoError(t, err)

	killed := make(chan error, 1)
	go func() { killed <- r.Kill(testIdentity) }()

	time.Sleep(200 * time.Millisecond)
	_, live := r.Get(testIdentity)
	assert.True(t, live, "session dropped before its process died")

	select {
	case err := <-killed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not complete")
	}

	_, live = r.Get(testIdentity)
	assert.False(t, live)
}

func TestKillUnblocksUndrainedSession(t *testing.T) {
	// A consumer that stops draining leaves the reader blocked on the full
	// event channel; the kill must release it so the exit hook still runs.
	binary := writeFakeBinary(t, fmt.Sprintf(`
echo '%s'
i=0
while [ $i -lt 20 ]; do
  echo '{"type":"content_delta","data":{"text":"x"}}'
  i=$((i+1))
done
sleep 30
`, initLine(testIdentity)))

	store := newMemStore()
	r := newTestRegistry(t, binary, store)
	r.cfg.Runner.EventBufferSize = 4

	_, err := r.Create(context.Background(), "ping", "sonnet", t.TempDir())
	require.NoError(t, err)

	// Never read the event channel
	mark := time.Now()
	require.NoError(t, r.Kill(testIdentity))

	require.Eventually(t, func() bool {
		rec, err := store.Get(testIdentity)
		return err == nil && !rec.LastActiveAt.Before(mark)
	}, 3*time.Second, 20*time.Millisecond, "exit hook never ran; reader still blocked")
}

func TestResume(t *testing.T) {
	// The fake binary proves the resume directive reached the argv
	binary := writeFakeBinary(t, fmt.Sprintf(`
case "$*" in
  *"--resume %s"*) echo '%s' ;;
  *) exit 1 ;;
esac
sleep 5
`, testIdentity, initLine(testIdentity)))

	store := newMemStore()
	require.NoError(t, store.Save(&Record{
		Identity:   testIdentity,
		Model:      "sonnet",
		WorkingDir: t.TempDir(),
	}))

	r := newTestRegistry(t, binary, store)

	s, err := r.Resume(context.Background(), testIdentity, "continue please", "", "")
	require.NoError(t, err)
	assert.Equal(t, testIdentity, s.Identity())
	assert.True(t, s.IsResumed())
	assert.Equal(t, "sonnet", s.Model())

	require.NoError(t, r.Kill(testIdentity))
}

func TestResumeUnknownIdentity(t *testing.T) {
	binary := writeFakeBinary(t, "exit 0")
	r := newTestRegistry(t, binary, newMemStore())

	_, err := r.Resume(context.Background(), testIdentity, "hi", "", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Nothing was spawned
	assert.Equal(t, 0, r.Processes().Count())
}

func TestFork(t *testing.T) {
	binary := writeFakeBinary(t, fmt.Sprintf(`
case "$*" in
  *"summarized so far"*) echo '%s' ;;
  *) exit 1 ;;
esac
sleep 5
`, initLine(otherIdentity)))

	store := newMemStore()
	require.NoError(t, store.Save(&Record{
		Identity:   testIdentity,
		Model:      "sonnet",
		WorkingDir: t.TempDir(),
	}))
	require.NoError(t, store.SaveContext(testIdentity, "summarized so far"))

	r := newTestRegistry(t, binary, store)

	s, err := r.Fork(context.Background(), testIdentity)
	require.NoError(t, err)

	// A brand-new identity, the original untouched
	assert.Equal(t, otherIdentity, s.Identity())
	assert.NotEqual(t, testIdentity, s.Identity())

	orig, err := store.Get(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, testIdentity, orig.Identity)

	require.NoError(t, r.Kill(otherIdentity))
}

func TestClear(t *testing.T) {
	// Each invocation mints its own identity from the shell pid
	binary := writeFakeBinary(t, `printf '{"type":"init","data":{"session_id":"proc%022d","model":"sonnet"}}\n' $$
sleep 30`)

	r := newTestRegistry(t, binary, newMemStore())

	s1, err := r.Create(context.Background(), "hello", "sonnet", t.TempDir())
	require.NoError(t, err)
	first := s1.Identity()

	s2, err := r.Clear(context.Background(), first, "fresh start")
	require.NoError(t, err)
	second := s2.Identity()

	// The old process is gone, a new identity was minted
	assert.NotEqual(t, first, second)
	assert.False(t, s2.IsResumed())

	_, live := r.Get(first)
	assert.False(t, live)
	_, live = r.Get(second)
	assert.True(t, live)

	require.NoError(t, r.Kill(second))
}

func TestCompactionEndToEnd(t *testing.T) {
	// Usage crosses the auto threshold (60% of the 1000-token window); the
	// coordinator sends the compact instruction down stdin; the fake binary
	// answers with a compaction result.
	binary := writeFakeBinary(t, fmt.Sprintf(`
echo '%s'
echo '{"type":"usage","data":{"input_tokens":610,"output_tokens":0}}'
read line
echo '{"type":"compaction_result","data":{"tokens_saved":400}}'
sleep 5
`, initLine(testIdentity)))

	store := newMemStore()
	require.NoError(t, store.Save(&Record{Identity: testIdentity, Model: "sonnet"}))

	r := newTestRegistry(t, binary, store)

	s, err := r.Create(context.Background(), "big prompt", "sonnet", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, wire.KindInit, nextEvent(t, s).Kind())
	assert.Equal(t, wire.KindUsage, nextEvent(t, s).Kind())
	assert.Equal(t, wire.KindCompactionResult, nextEvent(t, s).Kind())

	// Counters were zeroed atomically with the result
	totals := s.Usage()
	assert.Equal(t, int64(0), totals.Input)
	assert.Equal(t, 1, s.CompactionCount())
	assert.Equal(t, compact.StateNormal, s.CompactionState())
	assert.False(t, s.LastCompactionAt().IsZero())

	require.NoError(t, r.Kill(testIdentity))
}

func TestSendPrompt(t *testing.T) {
	binary := writeFakeBinary(t, fmt.Sprintf(`
echo '%s'
read line
echo '{"type":"stop","data":{"message_id":"m","reason":"end_turn"}}'
`, initLine(testIdentity)))

	r := newTestRegistry(t, binary, nil)

	s, err := r.Create(context.Background(), "hi", "sonnet", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, r.SendPrompt(testIdentity, "follow-up"))

	events := drainToClose(t, s)
	assert.Equal(t, wire.KindProcessEnd, events[len(events)-1].Kind())
}

func TestSendPromptUnknownSession(t *testing.T) {
	binary := writeFakeBinary(t, "exit 0")
	r := newTestRegistry(t, binary, nil)

	err := r.SendPrompt(testIdentity, "hello?")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUsageUnknownSession(t *testing.T) {
	binary := writeFakeBinary(t, "exit 0")
	r := newTestRegistry(t, binary, nil)

	_, err := r.Usage(testIdentity)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionsIndependent(t *testing.T) {
	binary := writeFakeBinary(t, `printf '{"type":"init","data":{"session_id":"proc%022d","model":"sonnet"}}\n' $$
sleep 30`)

	r := newTestRegistry(t, binary, nil)

	s1, err := r.Create(context.Background(), "a", "sonnet", t.TempDir())
	require.NoError(t, err)
	s2, err := r.Create(context.Background(), "b", "sonnet", t.TempDir())
	require.NoError(t, err)

	assert.NotEqual(t, s1.Identity(), s2.Identity())
	assert.Equal(t, 2, r.Count())

	// Killing one leaves the other untouched
	require.NoError(t, r.Kill(s1.Identity()))
	assert.Equal(t, 1, r.Count())
	_, live := r.Get(s2.Identity())
	assert.True(t, live)

	require.NoError(t, r.Kill(s2.Identity()))
}

func TestStoreRecordSavedOnCreate(t *testing.T) {
	binary := writeFakeBinary(t, fmt.Sprintf("echo '%s'\nsleep 30", initLine(testIdentity)))

	store := newMemStore()
	r := newTestRegistry(t, binary, store)

	dir := t.TempDir()
	_, err := r.Create(context.Background(), "hi", "sonnet", dir)
	require.NoError(t, err)

	rec, err := store.Get(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", rec.Model)
	assert.Equal(t, dir, rec.WorkingDir)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, r.Kill(testIdentity))
}
