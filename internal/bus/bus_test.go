package bus

import (
	"testing"
	"time"
)

func startTestServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv := NewEmbeddedServer(ServerConfig{Port: 0})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start embedded bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestEmbeddedServerStartAndShutdown(t *testing.T) {
	srv := startTestServer(t)
	if !srv.IsRunning() {
		t.Error("expected the server to report running after Start")
	}
	if srv.URL() == "" {
		t.Error("expected a non-empty client URL once running")
	}
}

func TestClientPublishAndSubscribeRoundTrip(t *testing.T) {
	srv := startTestServer(t)

	client, err := NewClient(srv.URL())
	if err != nil {
		t.Fatalf("failed to connect client: %v", err)
	}
	defer client.Close()

	received := make(chan []byte, 1)
	if _, err := client.Subscribe(SubjectRoutingTick, func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	tick := RoutingTick{Reason: "item_enqueued", At: time.Now()}
	if err := client.PublishJSON(SubjectRoutingTick, tick); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	select {
	case data := <-received:
		if len(data) == 0 {
			t.Error("expected non-empty message payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the published message")
	}
}

func TestStartTwiceFails(t *testing.T) {
	srv := startTestServer(t)
	if err := srv.Start(); err == nil {
		t.Error("expected starting an already-running server to fail")
	}
}
