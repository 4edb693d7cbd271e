package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_TaskPrefixGroupsTaskTopics(t *testing.T) {
	for _, topic := range []string{TopicTaskCreated, TopicTaskStatusChanged, TopicTaskUpdated, TopicTaskEvent} {
		if !strings.HasPrefix(topic, "task.") {
			t.Fatalf("topic %q must live under task.", topic)
		}
	}
	if strings.HasPrefix(TopicSyncRequested, "task.") {
		t.Fatalf("sync topic must not match task. subscribers")
	}
}

func TestTaskChanged_DeliveredByPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStatusChanged, TaskChanged{ID: 7, TaskID: "T7", OldStatus: "queued", NewStatus: "active"})
	b.Publish(TopicJobFinished, JobFinished{Name: "review-prs", Status: "success"})

	select {
	case ev := <-sub.Ch():
		tc, ok := ev.Payload.(TaskChanged)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if tc.TaskID != "T7" || tc.NewStatus != "active" {
			t.Fatalf("unexpected payload %+v", tc)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("job event leaked into task subscription: %v", ev.Topic)
	case <-time.After(30 * time.Millisecond):
	}
}
