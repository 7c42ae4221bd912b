package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(TypeVerdict, map[string]string{"verdict_reference": "ref-1"})
	if evt.Type != TypeVerdict || evt.At == "" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if _, err := time.Parse(time.RFC3339Nano, evt.At); err != nil {
		t.Fatalf("At must be RFC 3339: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["verdict_reference"] != "ref-1" {
		t.Fatalf("unexpected payload %#v", payload)
	}

	if ready := NewEvent("ready", nil); ready.Data != nil {
		t.Fatalf("nil payload must yield data-less frame, got %s", ready.Data)
	}
}

func TestHubDelivery(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(4)
	h.Publish(NewEvent(TypePolicyActivated, map[string]int64{"version": 3}))

	select {
	case evt := <-ch:
		if evt.Type != TypePolicyActivated {
			t.Fatalf("unexpected event %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	h.Unsubscribe(ch) // must not panic or double-close
	if _, open := <-ch; open {
		t.Fatal("channel must be closed after unsubscribe")
	}
}

func TestHubDropsOnFullBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent(TypeVerdict, nil))
	h.Publish(NewEvent(TypePolicyAdded, nil))

	if evt := <-ch; evt.Type != TypeVerdict {
		t.Fatalf("expected the first event retained, got %q", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Fatalf("second event should have been dropped, got %q", evt.Type)
	default:
	}
}

func TestHubSubscriberCount(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := h.Subscribe(1)
	b := h.Subscribe(0)
	if cap(b) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(b))
	}
	if h.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", h.SubscriberCount())
	}
	h.Unsubscribe(a)
	h.Unsubscribe(b)
	if h.SubscriberCount() != 0 {
		t.Fatalf("expected empty hub, got %d", h.SubscriberCount())
	}
}
