package eventbus

import (
	"testing"
	"time"
)

func newTestSubscriber(b *Bus, topics ...Topic) (*subscriber, func()) {
	set := map[Topic]bool{}
	for _, t := range topics {
		set[t] = true
	}
	sub := &subscriber{id: newSubscriptionID(), bus: b, send: make(chan Envelope, b.sendBuffer), topics: set}
	unregister := b.register(sub)
	return sub, unregister
}

func TestPublishDeliversToMatchingTopic(t *testing.T) {
	b := New()
	sub, unregister := newTestSubscriber(b, TopicSkills)
	defer unregister()

	b.EmitSkillStarted("exec1", "deploy", map[string]any{"target": "prod"}, nil)

	select {
	case env := <-sub.send:
		if env.Type != "skill_started" || env.Topic != TopicSkills {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("expected skill_started event")
	}
}

func TestPublishSkipsNonMatchingTopic(t *testing.T) {
	b := New()
	sub, unregister := newTestSubscriber(b, TopicSteps)
	defer unregister()

	b.EmitToolsChanged("ws1", "dev", 5)

	select {
	case env := <-sub.send:
		t.Fatalf("expected no delivery to steps-only subscriber, got %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAllTopicSeesEverything(t *testing.T) {
	b := New()
	sub, unregister := newTestSubscriber(b, TopicAll)
	defer unregister()

	b.EmitToolsChanged("ws1", "dev", 5)
	b.EmitSkillCompleted("exec1", "deploy", 120, map[string]any{}, 3, 0)

	for i := 0; i < 2; i++ {
		select {
		case <-sub.send:
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %d", i)
		}
	}
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	b := New()
	sub, unregister := newTestSubscriber(b, TopicAll)
	defer unregister()

	// Fill the buffer, then publish one more: the bus must drop the
	// subscriber rather than block the caller.
	for i := 0; i < defaultSendBuffer; i++ {
		b.EmitToolsChanged("ws1", "dev", i)
	}

	done := make(chan struct{})
	go func() {
		b.EmitToolsChanged("ws1", "dev", 999)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber instead of dropping it")
	}

	if !sub.dropped.Load() {
		t.Fatal("expected subscriber to be marked dropped")
	}
}

func TestAwaitConfirmationReturnsResolvedAnswer(t *testing.T) {
	b := New()
	sub, unregister := newTestSubscriber(b, TopicConfirmations)
	defer unregister()

	resultCh := make(chan string, 1)
	go func() {
		answer, err := b.AwaitConfirmation("exec1", "deploy_step", "proceed?", nil, "no", 5)
		if err != nil {
			t.Errorf("AwaitConfirmation: %v", err)
		}
		resultCh <- answer
	}()

	var env Envelope
	select {
	case env = <-sub.send:
	case <-time.After(time.Second):
		t.Fatal("expected confirmation_required event")
	}
	payload := env.Data.(map[string]any)
	id := payload["confirmation_id"].(string)

	if err := b.ResolveConfirmation(id, "yes"); err != nil {
		t.Fatalf("ResolveConfirmation: %v", err)
	}

	select {
	case answer := <-resultCh:
		if answer != "yes" {
			t.Fatalf("expected yes, got %q", answer)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitConfirmation did not return after ResolveConfirmation")
	}
}

func TestAwaitConfirmationRespectsExplicitTimeout(t *testing.T) {
	b := New()
	start := time.Now()
	answer, err := b.AwaitConfirmation("exec1", "deploy_step", "proceed?", nil, "no", 1)
	if err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
	if answer != "no" {
		t.Fatalf("expected default answer on timeout, got %q", answer)
	}
	if time.Since(start) < time.Second {
		t.Fatal("expected AwaitConfirmation to wait out the timeout")
	}
}

func TestResolveConfirmationUnknownIDNotFound(t *testing.T) {
	b := New()
	if err := b.ResolveConfirmation("nonexistent", "yes"); err == nil {
		t.Fatal("expected error resolving unknown confirmation id")
	}
}

func TestEnvelopeCarriesExecutionIDAndRFC3339Timestamp(t *testing.T) {
	b := New()
	sub, unregister := newTestSubscriber(b, TopicSkills)
	defer unregister()

	b.EmitSkillStarted("exec1", "deploy", map[string]any{}, nil)

	var env Envelope
	select {
	case env = <-sub.send:
	case <-time.After(time.Second):
		t.Fatal("expected skill_started event")
	}
	if env.ExecutionID != "exec1" {
		t.Fatalf("expected execution_id on the envelope, got %q", env.ExecutionID)
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", env.Timestamp, err)
	}
	data := env.Data.(map[string]any)
	if data["skill_name"] != "deploy" {
		t.Fatalf("expected skill_name in data, got %+v", data)
	}
}

func TestHeartbeatReportsStatusFields(t *testing.T) {
	b := New()
	b.SetStatusFunc(func() int { return 2 })
	sub, unregister := newTestSubscriber(b, TopicStatus)
	defer unregister()

	b.publish(TopicStatus, "heartbeat", "", map[string]any{
		"server_status":     "ok",
		"active_executions": b.activeExecutions(),
		"connected_clients": b.subscriberCount(),
	})

	select {
	case env := <-sub.send:
		data := env.Data.(map[string]any)
		if data["server_status"] != "ok" || data["active_executions"] != 2 || data["connected_clients"] != 1 {
			t.Fatalf("unexpected heartbeat data %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat event")
	}
}

func TestSubscribeFrameReplacesTopics(t *testing.T) {
	b := New()
	sub, unregister := newTestSubscriber(b, TopicSteps)
	defer unregister()

	sub.setTopics([]string{"skills"})
	if sub.matches(TopicSteps) {
		t.Fatal("expected steps to be filtered out after re-subscribe")
	}
	if !sub.matches(TopicSkills) {
		t.Fatal("expected skills to match after re-subscribe")
	}

	sub.setTopics(nil)
	if !sub.matches(TopicSteps) {
		t.Fatal("expected empty subscribe to default to all topics")
	}
}
