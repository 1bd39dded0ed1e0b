package dispatcher

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

func TestFeed_PublishReachesSubscribers(t *testing.T) {
	f := NewFeed()
	events, cancel := f.Subscribe()
	defer cancel()

	f.Publish(FeedEvent{Message: "submitted", Job: domain.TestJob{ID: "j1"}})

	select {
	case ev := <-events:
		if ev.Job.ID != "j1" || ev.Message != "submitted" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestFeed_DropsSlowSubscriber(t *testing.T) {
	f := NewFeed()
	events, cancel := f.Subscribe()
	defer cancel()

	for i := 0; i < 40; i++ {
		f.Publish(FeedEvent{Job: domain.TestJob{ID: "j"}})
	}
	if f.Count() != 0 {
		t.Fatalf("Count() = %d, want slow subscriber dropped", f.Count())
	}

	drained := 0
	for range events {
		drained++
	}
	if drained != 32 {
		t.Errorf("drained %d buffered events, want 32", drained)
	}
}

func TestFeed_CancelIsIdempotent(t *testing.T) {
	f := NewFeed()
	_, cancel := f.Subscribe()
	cancel()
	cancel()
	if f.Count() != 0 {
		t.Errorf("Count() = %d, want 0", f.Count())
	}
}

func TestAPI_JobStream(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/jobs/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.svc.Feed().Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := env.svc.SubmitJob(protocol.SubmitJobRequest{
		ID: "streamed", OS: "linux", TestcaseMark: "smoke", RdscoreVersion: "linux-0.2.0.1",
	}); err != nil {
		t.Fatal(err)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before event")
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev FeedEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatal(err)
			}
			if ev.Job.ID != "streamed" || ev.Job.Status != domain.JobWaiting || ev.Message != "submitted" {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatal("no event on stream")
		}
	}
}
