package service

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pairlink/hostsync/internal/domain"
	"github.com/pairlink/hostsync/internal/runloop"
	"github.com/pairlink/hostsync/internal/store"
	"github.com/pairlink/hostsync/internal/transport"
)

func newTestApplier(t *testing.T, activeSession string) (*Applier, *store.Store, *fakeClient, *runloop.Loop) {
	t.Helper()
	loop := runloop.New()
	t.Cleanup(loop.Stop)
	st := store.New(loop, nil)
	client := newFakeClient()
	coord := NewCoordinator(loop, st, client, nil)
	a := NewApplier(loop, st, coord, func() string { return activeSession }, nil)
	return a, st, client, loop
}

func seedJob(loop *runloop.Loop, st *store.Store, job domain.Job) {
	loop.Call(func() {
		st.Reduce([]domain.Job{job}, domain.SourceSnapshot, false)
	})
}

func envelope(kind domain.EventKind, payload string) transport.Envelope {
	return transport.Envelope{Type: string(kind), Payload: json.RawMessage(payload)}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestResponseAppendContiguousAndStale(t *testing.T) {
	a, st, _, loop := newTestApplier(t, "")
	seedJob(loop, st, domain.Job{ID: "j1", Status: domain.StatusGeneratingStream, UpdatedAt: 100, Response: "0123456789"})

	a.HandleEnvelope(envelope(domain.EventJobResponseAppend,
		`{"jobId":"j1","responseChunk":"ABCDE","accumulatedLength":15}`))
	loop.Call(func() {})

	loop.Call(func() {
		job, _ := st.Get("j1")
		if job.Response != "0123456789ABCDE" {
			t.Errorf("response = %q", job.Response)
		}
	})

	// The same chunk replayed is stale and must be a no-op.
	a.HandleEnvelope(envelope(domain.EventJobResponseAppend,
		`{"jobId":"j1","responseChunk":"ABCDE","accumulatedLength":15}`))
	loop.Call(func() {})

	loop.Call(func() {
		job, _ := st.Get("j1")
		if len(job.Response) != 15 {
			t.Errorf("stale chunk changed response to len %d", len(job.Response))
		}
	})
}

func TestResponseAppendCompleteFinalizes(t *testing.T) {
	a, st, _, loop := newTestApplier(t, "")
	seedJob(loop, st, domain.Job{ID: "j1", Status: domain.StatusGeneratingStream, UpdatedAt: 100, Response: "abc"})

	a.HandleEnvelope(envelope(domain.EventJobResponseAppend,
		`{"jobId":"j1","responseChunk":"de","accumulatedLength":5,"complete":true,"updatedAt":200}`))
	loop.Call(func() {})

	loop.Call(func() {
		job, _ := st.Get("j1")
		if !job.IsFinalized {
			t.Error("complete append did not finalize the job")
		}
		if job.UpdatedAt != 200 {
			t.Errorf("updatedAt = %d, want 200", job.UpdatedAt)
		}
	})
}

func TestResponseAppendGapDiscardsAndRefetches(t *testing.T) {
	a, st, client, loop := newTestApplier(t, "")
	seedJob(loop, st, domain.Job{ID: "j1", Status: domain.StatusGeneratingStream, UpdatedAt: 100, Response: "0123456789ABCDE"})
	client.reply = func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"job":{"id":"j1","status":"generatingStream","updatedAt":300,"response":"0123456789ABCDEFGHIJ"}}`), nil
	}

	// Local length 15, chunk of 1 claiming accumulated 20: a 4-byte hole.
	a.HandleEnvelope(envelope(domain.EventJobResponseAppend,
		`{"jobId":"j1","responseChunk":"X","accumulatedLength":20}`))
	loop.Call(func() {})

	loop.Call(func() {
		job, _ := st.Get("j1")
		if len(job.Response) == 16 {
			t.Error("gapped chunk was appended")
		}
	})

	waitFor(t, "gap refetch", func() bool { return client.callCount(methodGetJob) == 1 })
	waitFor(t, "refetched response", func() bool {
		var n int
		loop.Call(func() {
			job, _ := st.Get("j1")
			n = len(job.Response)
		})
		return n == 20
	})
}

func TestHydrationSingleFetchReplaysWaiters(t *testing.T) {
	a, st, client, loop := newTestApplier(t, "")
	client.delay = 50 * time.Millisecond
	client.reply = func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"job":{"id":"j9","sessionId":"s1","taskType":"path_finder","status":"running","updatedAt":100}}`), nil
	}

	// Two events for an unknown job arrive before hydration resolves.
	a.HandleEnvelope(envelope(domain.EventJobStatusChanged,
		`{"jobId":"j9","status":"processingStream","updatedAt":150}`))
	a.HandleEnvelope(envelope(domain.EventJobStatusChanged,
		`{"jobId":"j9","status":"completed","updatedAt":200}`))

	waitFor(t, "hydration to settle", func() bool {
		var done bool
		loop.Call(func() {
			job, ok := st.Get("j9")
			done = ok && job.Status == domain.StatusCompleted
		})
		return done
	})

	if got := client.callCount(methodGetJob); got != 1 {
		t.Fatalf("hydration fetches = %d, want 1", got)
	}
}

func TestEmbeddedJobSkipsHydration(t *testing.T) {
	a, st, client, loop := newTestApplier(t, "")

	a.HandleEnvelope(envelope(domain.EventJobCreated,
		`{"job":{"id":"j2","sessionId":"s1","taskType":"path_finder","status":"queued","createdAt":50}}`))
	loop.Call(func() {})

	loop.Call(func() {
		if _, ok := st.Get("j2"); !ok {
			t.Error("embedded job not inserted")
		}
	})
	if got := client.callCount(methodGetJob); got != 0 {
		t.Errorf("embedded payload triggered %d fetches", got)
	}
}

func TestWorkflowStepEventsIgnored(t *testing.T) {
	a, st, client, loop := newTestApplier(t, "")
	seedJob(loop, st, domain.Job{ID: "step1", TaskType: domain.TaskLocalFileFiltering, Status: domain.StatusRunning, UpdatedAt: 100})

	a.HandleEnvelope(envelope(domain.EventJobStatusChanged,
		`{"jobId":"step1","status":"completed","updatedAt":200}`))
	loop.Call(func() {})

	loop.Call(func() {
		job, _ := st.Get("step1")
		if job.Status != domain.StatusRunning {
			t.Errorf("step job mutated by event: %q", job.Status)
		}
	})
	if got := client.callCount(methodGetJob); got != 0 {
		t.Errorf("step event triggered %d fetches", got)
	}
}

func TestMetadataPatchMergesTopLevelKeys(t *testing.T) {
	a, st, _, loop := newTestApplier(t, "")
	seedJob(loop, st, domain.Job{
		ID: "j1", Status: domain.StatusRunning, UpdatedAt: 100,
		Metadata: json.RawMessage(`{"a":1,"keep":"yes"}`),
	})

	a.HandleEnvelope(envelope(domain.EventJobMetadataPatched,
		`{"jobId":"j1","patch":{"a":3,"b":{"c":2}},"updatedAt":200}`))
	loop.Call(func() {})

	loop.Call(func() {
		job, _ := st.Get("j1")
		meta := gjson.ParseBytes(job.Metadata)
		if meta.Get("a").Int() != 3 {
			t.Errorf("patched key a = %v", meta.Get("a"))
		}
		if meta.Get("b.c").Int() != 2 {
			t.Errorf("patched key b.c = %v", meta.Get("b.c"))
		}
		if meta.Get("keep").Str != "yes" {
			t.Error("unpatched key lost")
		}
	})
}

func TestStreamProgressUpdatesCounters(t *testing.T) {
	a, st, _, loop := newTestApplier(t, "")
	seedJob(loop, st, domain.Job{ID: "j1", Status: domain.StatusGeneratingStream, UpdatedAt: 100})

	a.HandleEnvelope(envelope(domain.EventJobStreamProgress,
		`{"jobId":"j1","costUsd":0.25,"tokensIn":120,"tokensOut":80}`))
	loop.Call(func() {})

	loop.Call(func() {
		job, _ := st.Get("j1")
		if job.CostUSD != 0.25 || job.TokensIn != 120 || job.TokensOut != 80 {
			t.Errorf("counters = %v/%d/%d", job.CostUSD, job.TokensIn, job.TokensOut)
		}
	})
}

func TestDeletedEventRemovesJob(t *testing.T) {
	a, st, _, loop := newTestApplier(t, "")
	seedJob(loop, st, domain.Job{ID: "j1", Status: domain.StatusCompleted, UpdatedAt: 100})

	a.HandleEnvelope(envelope(domain.EventJobDeleted, `{"jobId":"j1"}`))
	loop.Call(func() {})

	loop.Call(func() {
		if st.Len() != 0 {
			t.Error("deleted job still present")
		}
	})
}

func TestMissingPayloadCoalescesIntoOneResync(t *testing.T) {
	a, _, client, loop := newTestApplier(t, "sess-9")
	client.reply = func(method string, params any) (json.RawMessage, error) {
		if method == methodListJobs {
			if filter, ok := params.(ListFilter); !ok || filter.SessionID != "sess-9" {
				return nil, errors.New("resync not scoped to the active session")
			}
		}
		return json.RawMessage(`{"jobs":[]}`), nil
	}

	// Three ambiguous events in quick succession re-arm one timer.
	for i := 0; i < 3; i++ {
		a.HandleEnvelope(envelope(domain.EventJobStatusChanged, `{"status":"running"}`))
	}
	loop.Call(func() {})

	waitFor(t, "coalesced resync", func() bool { return client.callCount(methodListJobs) >= 1 })
	time.Sleep(200 * time.Millisecond)
	if got := client.callCount(methodListJobs); got != 1 {
		t.Fatalf("resync list calls = %d, want 1", got)
	}
}

func TestHydrationFailureFallsBackToResync(t *testing.T) {
	a, _, client, loop := newTestApplier(t, "")
	client.reply = func(method string, params any) (json.RawMessage, error) {
		if method == methodGetJob {
			return nil, errors.New("job vanished")
		}
		return json.RawMessage(`{"jobs":[]}`), nil
	}

	a.HandleEnvelope(envelope(domain.EventJobStatusChanged,
		`{"jobId":"ghost","status":"completed","updatedAt":200}`))
	loop.Call(func() {})

	waitFor(t, "fallback resync", func() bool { return client.callCount(methodListJobs) == 1 })
}

func TestNonJobEventsIgnored(t *testing.T) {
	a, st, _, loop := newTestApplier(t, "")
	a.HandleEnvelope(transport.Envelope{Type: "terminal.output", Payload: json.RawMessage(`{}`)})
	loop.Call(func() {})
	loop.Call(func() {
		if st.Len() != 0 {
			t.Error("non-job event mutated the store")
		}
	})
}
