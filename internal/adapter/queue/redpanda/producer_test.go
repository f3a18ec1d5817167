package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-control-plane/internal/domain"
)

func TestAuditRecord_KeyPrefersSession(t *testing.T) {
	ev := domain.AuditEvent{
		Kind:      "session.completed",
		SessionID: "sess-1",
		AccountID: "acct-1",
		At:        time.Now().UTC(),
	}
	rec := auditRecord("control-plane.audit", ev, []byte(`{}`))

	assert.Equal(t, "control-plane.audit", rec.Topic)
	assert.Equal(t, []byte("sess-1"), rec.Key)
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "kind", rec.Headers[0].Key)
	assert.Equal(t, []byte("session.completed"), rec.Headers[0].Value)
}

func TestAuditRecord_FallsBackToAccountKey(t *testing.T) {
	ev := domain.AuditEvent{Kind: "scheduler.stopped", AccountID: "acct-9"}
	rec := auditRecord("t", ev, nil)
	assert.Equal(t, []byte("acct-9"), rec.Key)
}

func TestPublisher_PublishSkipsUnmarshalablePayload(t *testing.T) {
	p := &Publisher{topic: "t"}
	ev := domain.AuditEvent{
		Kind:    "threshold.alert",
		Payload: map[string]any{"bad": make(chan int)},
	}
	// Marshal fails before the client is touched; must not panic.
	p.Publish(context.Background(), ev)
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewPublisher(context.Background(), nil, "t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed brokers")
}

func TestCreateTopicIfNotExists_RejectsEmptyTopic(t *testing.T) {
	err := createTopicIfNotExists(context.Background(), nil, "", 1, 1)
	require.Error(t, err)
}

func TestNopPublisher_ImplementsAuditPublisher(t *testing.T) {
	var pub domain.AuditPublisher = NopPublisher{}
	pub.Publish(context.Background(), domain.AuditEvent{Kind: "session.created"})
}
