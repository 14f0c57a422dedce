package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/botforge/botforge/internal/agent"
	"github.com/botforge/botforge/internal/models"
)

// BuiltinAgentURL routes an agent_call directive to the in-process agent
// instead of an external HTTP endpoint.
const BuiltinAgentURL = "builtin"

// DefaultWebhookTimeout bounds outbound webhook and agent HTTP calls.
const DefaultWebhookTimeout = 30 * time.Second

// Engine is the subset of the conversation engine the bridge drives.
type Engine interface {
	ProcessMessage(externalID, username, text, messageID, threadID string) (*models.ProcessResult, error)
	ApplyAgentResponse(key string, resp models.AgentResponse) (*models.ApplyResult, error)
}

// BridgeOpts holds configuration for the bridge.
type BridgeOpts struct {
	// Agent serves agent_call directives addressed to BuiltinAgentURL.
	Agent agent.Agent
	// HTTPClient issues webhook and external agent calls.
	HTTPClient *http.Client
}

// BridgeOption configures the bridge.
type BridgeOption func(*BridgeOpts)

// WithAgent attaches an in-process agent.
func WithAgent(a agent.Agent) BridgeOption {
	return func(o *BridgeOpts) { o.Agent = a }
}

// WithHTTPClient overrides the webhook HTTP client.
func WithHTTPClient(c *http.Client) BridgeOption {
	return func(o *BridgeOpts) { o.HTTPClient = c }
}

// Bridge pumps inbound messages from a Service through the engine and
// executes the directives each turn emits. Directive delivery failures are
// logged and reported; the engine is never retried from here.
type Bridge struct {
	svc    Service
	engine Engine
	agent  agent.Agent
	http   *http.Client
	wg     sync.WaitGroup
}

// NewBridge wires a service to an engine.
func NewBridge(svc Service, eng Engine, opts ...BridgeOption) *Bridge {
	var cfg BridgeOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &Bridge{svc: svc, engine: eng, agent: cfg.Agent, http: cfg.HTTPClient}
}

// Run consumes the service's inbound channel until the context ends or the
// channel closes. Blocking call; run it in a goroutine.
func (b *Bridge) Run(ctx context.Context) {
	slog.Info("Bridge running")
	for {
		select {
		case <-ctx.Done():
			b.wg.Wait()
			return
		case msg, ok := <-b.svc.Inbound():
			if !ok {
				b.wg.Wait()
				return
			}
			b.handleInbound(ctx, msg)
		}
	}
}

func (b *Bridge) handleInbound(ctx context.Context, msg InboundMessage) {
	res, err := b.engine.ProcessMessage(msg.From, msg.Username, msg.Body, msg.MessageID, msg.ThreadID)
	if err != nil {
		slog.Error("Failed to process inbound message", "error", err, "from", msg.From)
		return
	}
	if err := b.Deliver(ctx, res.Directives); err != nil {
		slog.Error("Directive delivery incomplete", "error", err, "from", msg.From)
	}
}

// Deliver executes directives in their given order. Each failure is recorded
// and delivery continues; the joined error reports everything that failed.
func (b *Bridge) Deliver(ctx context.Context, dirs []models.OutboundDirective) error {
	var errs []error
	for _, d := range dirs {
		var err error
		switch d.Type {
		case models.DirectiveSendMessage:
			err = b.svc.SendMessage(ctx, d.To, d.Text)
		case models.DirectiveSendTemplate:
			err = b.svc.SendMessage(ctx, d.To, d.TemplateBody)
		case models.DirectiveTagUser:
			slog.Debug("Tag applied", "to", d.To, "tag", d.Tag)
		case models.DirectiveWebhookCall:
			err = b.postJSON(ctx, d.URL, d.Payload)
		case models.DirectiveAgentCall:
			err = b.deliverAgentCall(ctx, d)
		default:
			err = fmt.Errorf("unknown directive type %q", d.Type)
		}
		if err != nil {
			slog.Error("Directive delivery failed", "error", err, "type", d.Type, "to", d.To)
			errs = append(errs, fmt.Errorf("%s: %w", d.Type, err))
		}
	}
	return errors.Join(errs...)
}

// deliverAgentCall hands the snapshot to an agent. Built-in calls run
// asynchronously in-process and resume through the engine's callback path,
// exactly as an external agent would.
func (b *Bridge) deliverAgentCall(ctx context.Context, d models.OutboundDirective) error {
	if d.URL == BuiltinAgentURL {
		if b.agent == nil {
			return fmt.Errorf("no built-in agent configured")
		}
		b.wg.Add(1)
		go b.runBuiltinAgent(ctx, d)
		return nil
	}
	body := map[string]interface{}{
		"correlation_key": d.CorrelationKey,
		"payload":         d.AgentPayload,
	}
	return b.postJSON(ctx, d.URL, body)
}

func (b *Bridge) runBuiltinAgent(ctx context.Context, d models.OutboundDirective) {
	defer b.wg.Done()
	resp, err := b.agent.Respond(ctx, *d.AgentPayload)
	if err != nil {
		slog.Error("Built-in agent failed", "error", err, "key", d.CorrelationKey)
		return
	}
	applied, err := b.engine.ApplyAgentResponse(d.CorrelationKey, resp)
	if err != nil {
		slog.Error("Failed to apply built-in agent response", "error", err, "key", d.CorrelationKey)
		return
	}
	if !applied.Applied {
		slog.Warn("Built-in agent response not applied", "key", d.CorrelationKey, "reason", applied.Reason)
		return
	}
	if err := b.Deliver(ctx, applied.Directives); err != nil {
		slog.Error("Failed to deliver agent directives", "error", err, "key", d.CorrelationKey)
	}
}

func (b *Bridge) postJSON(ctx context.Context, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
