package llmstream

import (
	"strings"
	"testing"
)

func drain(t *testing.T, body string) []Event {
	t.Helper()
	events := make(chan Event, 64)
	runStateMachine(strings.NewReader(body), events)
	close(events)
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestRunStateMachineTextBlock(t *testing.T) {
	body := "" +
		"event: message_start\ndata: {}\n\n" +
		"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n" +
		"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n" +
		"event: content_block_stop\ndata: {\"index\":0}\n\n" +
		"event: message_stop\ndata: {}\n\n"

	events := drain(t, body)

	var kinds []EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []EventKind{EventTextStart, EventTextDelta, EventTextDone, EventMessageComplete}
	if len(kinds) != len(want) {
		t.Fatalf("want kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("want kinds %v, got %v", want, kinds)
		}
	}
}

func TestRunStateMachineToolUseAccumulatesInput(t *testing.T) {
	body := "" +
		"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"t1\",\"name\":\"search\"}}\n\n" +
		"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\"}}\n\n" +
		"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"cats\\\"}\"}}\n\n" +
		"event: content_block_stop\ndata: {\"index\":0}\n\n"

	events := drain(t, body)

	var done *Event
	for i := range events {
		if events[i].Kind == EventToolUseDone {
			done = &events[i]
		}
	}
	if done == nil {
		t.Fatal("expected a toolUseDone event")
	}
	if done.ID != "t1" || done.Name != "search" {
		t.Fatalf("unexpected tool use identity: %+v", done)
	}
	if string(done.Input) != `{"q":"cats"}` {
		t.Fatalf("expected accumulated input json, got %q", string(done.Input))
	}
}

func TestRunStateMachineErrorEventTerminates(t *testing.T) {
	body := "event: error\ndata: {\"error\":{\"message\":\"boom\"}}\n\n" +
		"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n"

	events := drain(t, body)
	if len(events) != 1 || events[0].Kind != EventError || events[0].Message != "boom" {
		t.Fatalf("expected single terminating error event, got %+v", events)
	}
}
