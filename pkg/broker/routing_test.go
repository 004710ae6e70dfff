package broker

import "testing"

func TestRoutingKeyHelpers(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"deploy", CommandDeployKey("agent-1"), "command.deploy.agent-1"},
		{"rollback", CommandRollbackKey("agent-1"), "command.rollback.agent-1"},
		{"control", CommandControlKey("agent-1"), "command.control.agent-1"},
		{"status", StatusKey("wf-42"), "status.wf-42"},
		{"alert", AlertKey("critical", "health"), "alert.critical.health"},
		{"metrics", MetricsKey("agent-1"), "metrics.agent-1"},
		{"lifecycle", WorkflowLifecycleKey, "workflow.lifecycle"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Fatalf("got %q, want %q", c.got, c.want)
			}
		})
	}
}

func TestQueuesBindEveryPrefix(t *testing.T) {
	prefixes := []string{
		PrefixDeployment, PrefixCommand, PrefixStatus, PrefixAlert,
		PrefixMetrics, PrefixWorkflow, PrefixPriority, PrefixBatch, PrefixMonitoring,
	}
	queues := Queues()
	if len(queues) != len(prefixes) {
		t.Fatalf("got %d queues, want %d", len(queues), len(prefixes))
	}
	bound := make(map[string]bool)
	for _, q := range queues {
		bound[q.RoutingKey] = true
		if q.Name == "" {
			t.Fatalf("queue with empty name: %+v", q)
		}
	}
	for _, p := range prefixes {
		if !bound[p+".#"] {
			t.Errorf("no queue bound to %s.#", p)
		}
	}
}

func TestPriorityQueueAllowsPriority(t *testing.T) {
	for _, q := range Queues() {
		if q.Name == "priority.queue" {
			if q.MaxPriority == 0 {
				t.Fatalf("priority.queue must declare x-max-priority")
			}
			return
		}
	}
	t.Fatal("priority.queue not found")
}
