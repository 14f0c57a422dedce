package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/botforge/botforge/internal/engine"
	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/store"
)

func newBridgeEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.NewEngine(engine.WithStore(store.NewInMemoryStore()))
}

func TestBridgeDeliversDirectives(t *testing.T) {
	e := newBridgeEngine(t)
	if _, err := e.CreateTrigger(models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Привет!"}},
		Active:  true,
	}); err != nil {
		t.Fatalf("CreateTrigger() error: %v", err)
	}

	svc := NewMockService()
	b := NewBridge(svc, e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	svc.Push(InboundMessage{From: "+79001234567", Username: "ivan", Body: "привет всем", MessageID: "m1"})

	deadline := time.After(2 * time.Second)
	for len(svc.Sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no message delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	sent := svc.Sent()
	if sent[0].To != "+79001234567" || sent[0].Body != "Привет!" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestBridgeWebhookDirective(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newBridgeEngine(t)
	b := NewBridge(NewMockService(), e)

	err := b.Deliver(context.Background(), []models.OutboundDirective{{
		Type:    models.DirectiveWebhookCall,
		To:      "+79001234567",
		URL:     srv.URL,
		Payload: map[string]interface{}{"event": "lead"},
	}})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	select {
	case body := <-received:
		if body["event"] != "lead" {
			t.Errorf("webhook body = %+v", body)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}

// stubAgent answers every hand-off with a fixed reply.
type stubAgent struct {
	reply string
}

func (a *stubAgent) Respond(ctx context.Context, payload models.AgentPayload) (models.AgentResponse, error) {
	return models.AgentResponse{Text: a.reply, Confidence: 0.9}, nil
}

func TestBridgeBuiltinAgentRoundTrip(t *testing.T) {
	e := newBridgeEngine(t)
	if _, err := e.CreateTrigger(models.Trigger{
		Name:  "handoff",
		Kind:  models.KindContains,
		Value: "оператор",
		Actions: []models.Action{
			{Type: models.ActionAiAgentCall, AgentURL: BuiltinAgentURL},
		},
		Active: true,
	}); err != nil {
		t.Fatalf("CreateTrigger() error: %v", err)
	}

	svc := NewMockService()
	b := NewBridge(svc, e, WithAgent(&stubAgent{reply: "Оператор на связи"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	svc.Push(InboundMessage{From: "+79001234567", Body: "нужен оператор", MessageID: "m1"})

	deadline := time.After(2 * time.Second)
	for len(svc.Sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("agent reply never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	sent := svc.Sent()
	if sent[0].Body != "Оператор на связи" {
		t.Errorf("agent reply = %+v", sent[0])
	}
}

func TestBridgeExternalAgentCallPostsPayload(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode agent call body: %v", err)
		}
		received <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := newBridgeEngine(t)
	b := NewBridge(NewMockService(), e)

	err := b.Deliver(context.Background(), []models.OutboundDirective{{
		Type:           models.DirectiveAgentCall,
		To:             "+79001234567",
		URL:            srv.URL,
		CorrelationKey: "key-1",
		AgentPayload:   &models.AgentPayload{UserID: "u1", Message: "нужен оператор"},
	}})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	select {
	case body := <-received:
		if body["correlation_key"] != "key-1" {
			t.Errorf("agent call body = %+v", body)
		}
	case <-time.After(time.Second):
		t.Fatal("agent call not delivered")
	}
}

func TestTwilioValidateRecipient(t *testing.T) {
	s := &TwilioService{}
	got, err := s.ValidateAndCanonicalizeRecipient("79001234567")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+79001234567" {
		t.Errorf("canonicalized = %q", got)
	}
	if _, err := s.ValidateAndCanonicalizeRecipient("not-a-number"); err == nil {
		t.Error("expected error for non-numeric recipient")
	}
}

func TestWhatsAppValidateRecipient(t *testing.T) {
	s := &WhatsAppService{}
	got, err := s.ValidateAndCanonicalizeRecipient("+79001234567")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "79001234567" {
		t.Errorf("canonicalized = %q", got)
	}
	if _, err := s.ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("expected error for empty recipient")
	}
}
