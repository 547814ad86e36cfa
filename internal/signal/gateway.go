package signal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/parley/internal/assistant"
)

// GroupPrefix marks identities that name a group conversation.
const GroupPrefix = "group:"

// receiptTimeout bounds a best-effort read receipt.
const receiptTimeout = 10 * time.Second

// GatewayConfig holds the dependencies for a Gateway.
type GatewayConfig struct {
	Client *Client
	// ReadReceipts acknowledges private messages as read when they
	// are handed to the assistant.
	ReadReceipts bool
	// Markdown renders outbound Markdown as Signal text styles.
	Markdown bool
	Logger   *slog.Logger
}

// Gateway adapts a [Client] to [assistant.Gateway]. Private
// conversations are identified by the sender's number, groups by
// [GroupPrefix] followed by the group id.
type Gateway struct {
	client       *Client
	readReceipts bool
	markdown     bool
	logger       *slog.Logger
}

var _ assistant.Gateway = (*Gateway)(nil)

// NewGateway creates a Gateway around a started client.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:       cfg.Client,
		readReceipts: cfg.ReadReceipts,
		markdown:     cfg.Markdown,
		logger:       logger,
	}
}

// Receive blocks until the next data message arrives. It returns
// [ErrClosed] once the subprocess has exited.
func (g *Gateway) Receive(ctx context.Context) (assistant.Inbound, error) {
	for {
		select {
		case <-ctx.Done():
			return assistant.Inbound{}, ctx.Err()
		case env, ok := <-g.client.Messages():
			if !ok {
				return assistant.Inbound{}, ErrClosed
			}
			sender := env.Sender()
			if sender == "" {
				g.logger.Debug("signal ignoring envelope with empty source")
				continue
			}
			if dm := env.DataMessage; dm.Message == "" && len(dm.Attachments) > 0 {
				g.logger.Debug("signal ignoring attachment-only message",
					"sender", sender, "attachments", len(dm.Attachments))
				continue
			}
			in := toInbound(env)
			if in.Private && g.readReceipts && in.Text != "" {
				go g.acknowledge(sender, env.Timestamp)
			}
			return in, nil
		}
	}
}

func toInbound(env *Envelope) assistant.Inbound {
	dm := env.DataMessage
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		return assistant.Inbound{
			Identity: GroupPrefix + dm.GroupInfo.GroupID,
			Text:     dm.Message,
		}
	}
	return assistant.Inbound{
		Identity: env.Sender(),
		Text:     dm.Message,
		Private:  true,
	}
}

func (g *Gateway) acknowledge(sender string, ts int64) {
	ctx, cancel := context.WithTimeout(context.Background(), receiptTimeout)
	defer cancel()
	if err := g.client.SendReceipt(ctx, sender, ts); err != nil {
		g.logger.Debug("signal read receipt failed", "sender", sender, "error", err)
	}
}

// Send delivers text to a contact or group.
func (g *Gateway) Send(ctx context.Context, identity, text string) error {
	if g.markdown {
		body, styles := FormatMarkdown(text)
		_, err := g.client.SendStyledText(ctx, targetFor(identity), body, styles)
		return err
	}
	_, err := g.client.SendText(ctx, targetFor(identity), text)
	return err
}

// SendAttachment delivers a local file to a contact or group.
func (g *Gateway) SendAttachment(ctx context.Context, identity, path string) error {
	_, err := g.client.SendAttachment(ctx, targetFor(identity), path)
	return err
}

// Leave quits a group conversation. Private conversations cannot be
// left.
func (g *Gateway) Leave(ctx context.Context, identity string) error {
	groupID, ok := strings.CutPrefix(identity, GroupPrefix)
	if !ok {
		return fmt.Errorf("signal: %s is not a group conversation", identity)
	}
	return g.client.QuitGroup(ctx, groupID)
}

func targetFor(identity string) Target {
	if groupID, ok := strings.CutPrefix(identity, GroupPrefix); ok {
		return Target{GroupID: groupID}
	}
	return Target{Recipient: identity}
}
