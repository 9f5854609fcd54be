package mqtt

import "testing"

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "pf/"}

	tests := []struct {
		got, want string
	}{
		{topics.Event("canvas_updated"), "pf/events/canvas_updated"},
		{topics.AllEvents(), "pf/events/+"},
		{topics.ExecutionStatus("e1"), "pf/executions/e1/status"},
		{topics.ChainStatus("c1"), "pf/chains/c1/status"},
		{topics.SystemStatus(), "pf/system/status"},
		{topics.AllTopics(), "pf/#"},
		{Topics{}.Event("x"), "packflow/events/x"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEventName(t *testing.T) {
	topics := Topics{Prefix: "pf"}

	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"pf/events/canvas_updated", "canvas_updated", true},
		{"pf/events/", "", false},
		{"pf/events/a/b", "", false},
		{"other/events/a", "", false},
		{"pf/executions/e1/status", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := topics.EventName(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("EventName(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
