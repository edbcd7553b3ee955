package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testPublisher() *Publisher {
	return NewPublisher(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishRun_DeliversToSubscriber(t *testing.T) {
	p := testPublisher()
	runID := uuid.New()

	ch, cancel := p.Subscribe(runID)
	defer cancel()

	p.PublishRun(runID, "running")

	select {
	case ev := <-ch:
		if ev.Type != "run" {
			t.Errorf("expected run event, got %s", ev.Type)
		}
		if ev.RunID != runID.String() {
			t.Errorf("expected run ID %s, got %s", runID, ev.RunID)
		}
		if ev.Status != "running" {
			t.Errorf("expected status running, got %s", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishTask_CarriesTaskFields(t *testing.T) {
	p := testPublisher()
	runID, taskID := uuid.New(), uuid.New()

	ch, cancel := p.Subscribe(runID)
	defer cancel()

	p.PublishTask(runID, taskID, "alpha", "completed", 300)

	select {
	case ev := <-ch:
		if ev.Type != "task" || ev.TaskID != taskID.String() {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Provider != "alpha" || ev.Records != 300 {
			t.Errorf("unexpected task fields: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublish_OnlyMatchingRunReceives(t *testing.T) {
	p := testPublisher()
	runA, runB := uuid.New(), uuid.New()

	chA, cancelA := p.Subscribe(runA)
	defer cancelA()
	chB, cancelB := p.Subscribe(runB)
	defer cancelB()

	p.PublishRun(runA, "completed")

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("subscriber for run A did not receive event")
	}

	select {
	case ev := <-chB:
		t.Errorf("subscriber for run B received foreign event: %+v", ev)
	default:
	}
}

func TestPublish_MultipleSubscribersAllReceive(t *testing.T) {
	p := testPublisher()
	runID := uuid.New()

	ch1, cancel1 := p.Subscribe(runID)
	defer cancel1()
	ch2, cancel2 := p.Subscribe(runID)
	defer cancel2()

	p.PublishRun(runID, "running")

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("first subscriber did not receive event")
	}
	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("second subscriber did not receive event")
	}
}

func TestCancel_ClosesChannelAndStopsDelivery(t *testing.T) {
	p := testPublisher()
	runID := uuid.New()

	ch, cancel := p.Subscribe(runID)
	cancel()

	if _, open := <-ch; open {
		t.Error("expected channel to be closed after cancel")
	}

	// Publishing after cancel must not panic.
	p.PublishRun(runID, "completed")

	// Double cancel is safe.
	cancel()
}

func TestPublish_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	p := testPublisher()
	runID := uuid.New()

	_, cancel := p.Subscribe(runID)
	defer cancel()

	// Overfill the subscriber buffer; publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			p.PublishRun(runID, "running")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
