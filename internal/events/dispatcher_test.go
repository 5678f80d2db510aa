package events

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func newTestDispatcher() (*Dispatcher, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewDispatcher(logger), &buf
}

func TestDispatcher_RegistrationOrder(t *testing.T) {
	d, _ := newTestDispatcher()

	var got []string
	d.On(KindOutput, func(ev Event) { got = append(got, "a:"+ev.Text) })
	d.On(KindOutput, func(ev Event) { got = append(got, "b:"+ev.Text) })
	d.On(KindError, func(ev Event) { got = append(got, "wrong kind") })

	d.Emit(Event{Kind: KindOutput, Text: "hi"})

	want := []string{"a:hi", "b:hi"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDispatcher_Off(t *testing.T) {
	d, _ := newTestDispatcher()

	calls := 0
	id := d.On(KindOutput, func(Event) { calls++ })
	d.On(KindOutput, func(Event) { calls += 10 })

	d.Off(KindOutput, id)
	d.Emit(Event{Kind: KindOutput})

	if calls != 10 {
		t.Errorf("expected only the second handler to run, calls=%d", calls)
	}
	if d.Len(KindOutput) != 1 {
		t.Errorf("expected 1 listener, got %d", d.Len(KindOutput))
	}
}

func TestDispatcher_OffUnknownIsNoop(t *testing.T) {
	d, _ := newTestDispatcher()
	id := d.On(KindOutput, func(Event) {})

	d.Off(KindOutput, id+100)
	d.Off(KindError, id)
	d.Off(KindOutput, 0)
	d.Off(KindOutput, id)
	d.Off(KindOutput, id)

	if d.Len(KindOutput) != 0 {
		t.Errorf("expected no listeners, got %d", d.Len(KindOutput))
	}
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	d, logs := newTestDispatcher()

	var delivered []int
	d.On(KindOutput, func(Event) { delivered = append(delivered, 1) })
	d.On(KindOutput, func(Event) { panic("subscriber bug") })
	d.On(KindOutput, func(Event) { delivered = append(delivered, 3) })

	d.Emit(Event{Kind: KindOutput, Text: "x"})

	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 3 {
		t.Errorf("expected handlers 1 and 3 to run, got %v", delivered)
	}
	if !strings.Contains(logs.String(), "subscriber bug") {
		t.Errorf("expected panic to be logged, got %q", logs.String())
	}
}

func TestDispatcher_UnknownKind(t *testing.T) {
	d, logs := newTestDispatcher()

	if id := d.On(Kind("bogus"), func(Event) {}); id != 0 {
		t.Errorf("expected 0 for unknown kind, got %d", id)
	}
	if id := d.On(KindOutput, nil); id != 0 {
		t.Errorf("expected 0 for nil handler, got %d", id)
	}
	if !strings.Contains(logs.String(), "bogus") {
		t.Errorf("expected unknown kind to be logged")
	}
}

func TestDispatcher_HandlerMayUnsubscribe(t *testing.T) {
	d, _ := newTestDispatcher()

	calls := 0
	var id ListenerID
	id = d.On(KindInputPrompt, func(Event) {
		calls++
		d.Off(KindInputPrompt, id)
	})

	d.Emit(Event{Kind: KindInputPrompt})
	d.Emit(Event{Kind: KindInputPrompt})

	if calls != 1 {
		t.Errorf("expected a single delivery, got %d", calls)
	}
}

func TestDispatcher_SetsTimestamp(t *testing.T) {
	d, _ := newTestDispatcher()

	var ev Event
	d.On(KindExecutionComplete, func(e Event) { ev = e })
	d.Emit(Event{Kind: KindExecutionComplete, ExitCode: 2})

	if ev.Time.IsZero() {
		t.Error("expected Emit to stamp the event")
	}
	if ev.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", ev.ExitCode)
	}
}

func TestDispatcher_ConcurrentUse(t *testing.T) {
	d, _ := newTestDispatcher()

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := d.On(KindOutput, func(Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
			d.Off(KindOutput, id)
		}()
		go func() {
			defer wg.Done()
			d.Emit(Event{Kind: KindOutput})
		}()
	}
	wg.Wait()

	if d.Len(KindOutput) != 0 {
		t.Errorf("expected all listeners removed, got %d", d.Len(KindOutput))
	}
}
