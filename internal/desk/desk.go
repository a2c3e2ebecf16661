// Package desk implements the assistant desk: the chat-bot conversation through which
// human sales assistants forward client messages and ask follow-up questions.
//
// The desk is transport agnostic. It receives models.InboundMessage values and returns the
// replies to send back, in order.
package desk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
)

// Texts sent by the desk.
const (
	DenialText = "Access denied.\n\n" +
		"Ask your manager to grant you access.\n" +
		"They will need your account ID.\n\n" +
		"How to find it on Telegram:\n" +
		"1. Open @userinfobot\n" +
		"2. Press Start and the bot will show your ID"
	WelcomeText = "Hello! I am your SPIN sales helper.\n\n" +
		"Forward me a client's message and I will suggest a reply and a hint for your next question.\n" +
		"Send a plain message to ask me about the client you forwarded last.\n" +
		"Reply to a forwarded message to switch to that client, or use /client <id>."
	NonTextText                = "Please send a text message."
	MissingForwardMetadataText = "Could not determine who sent the forwarded message.\n" +
		"The client has most likely hidden their account from forwards.\n\n" +
		"Ask the client to allow message forwarding in their settings:\n" +
		"Settings → Privacy → Forwarded Messages → Everybody\n\n" +
		"You can also switch to a known client with /client <id>."
	ServerErrorText     = "An error occurred while contacting the server."
	NoContextText       = "Please forward a client message first."
	ClientUsageText     = "Usage: /client <client id>"
	contextSwitchedText = "Context switched to client: %s"
	clientNotFoundText  = "Client not found: %s"
	stageLineText       = "Current SPIN stage: %s\n\n"
)

// Pipeline is the part of flow.Pipeline used by the desk.
type Pipeline interface {
	Submit(ctx context.Context, req models.InteractionRequest) (models.InteractionResult, error)
	AnswerAssistant(ctx context.Context, client models.Client, question string) (string, error)
	CurrentStage(ctx context.Context, clientID string) (models.Stage, error)
}

// Repository is the storage used by the desk.
type Repository interface {
	store.ClientRepo
	store.AssistantRepo
	store.DedupRepo
}

// Desk handles inbound assistant messages.
type Desk struct {
	repo     Repository
	pipeline Pipeline
}

// New creates a Desk.
func New(repo Repository, pipeline Pipeline) *Desk {
	return &Desk{repo: repo, pipeline: pipeline}
}

// HandleInbound processes one assistant message and returns the replies to send.
// A nil result means nothing is sent (redelivered message).
func (d *Desk) HandleInbound(ctx context.Context, msg models.InboundMessage) []string {
	allowed, err := d.repo.IsAssistant(ctx, msg.SenderID)
	if err != nil {
		slog.Error("Desk.HandleInbound: allow-list lookup failed", "sender", msg.SenderID, "error", err)
		return []string{ServerErrorText}
	}
	if !allowed {
		slog.Warn("Desk.HandleInbound: unauthorized sender", "sender", msg.SenderID, "name", msg.SenderName)
		return []string{DenialText}
	}

	if msg.MessageID != "" {
		fresh, err := d.repo.RecordInbound(ctx, msg.MessageID, msg.SenderID)
		if err != nil {
			slog.Error("Desk.HandleInbound: dedup record failed", "messageID", msg.MessageID, "error", err)
			return []string{ServerErrorText}
		}
		if !fresh {
			slog.Info("Desk.HandleInbound: duplicate message ignored", "messageID", msg.MessageID)
			return nil
		}
		defer func() {
			if err := d.repo.MarkProcessed(ctx, msg.MessageID); err != nil {
				slog.Warn("Desk.HandleInbound: mark processed failed", "messageID", msg.MessageID, "error", err)
			}
		}()
	}

	return d.route(ctx, msg)
}

func (d *Desk) route(ctx context.Context, msg models.InboundMessage) []string {
	text := strings.TrimSpace(msg.Text)

	if cmd, args, ok := parseCommand(text); ok && !msg.Forwarded {
		switch cmd {
		case "start", "help":
			return []string{WelcomeText}
		case "client":
			return d.switchByExternalID(ctx, msg.SenderID, args)
		default:
			slog.Debug("Desk.route: unknown command", "sender", msg.SenderID, "command", cmd)
			return []string{WelcomeText}
		}
	}

	if text == "" {
		return []string{NonTextText}
	}

	var replies []string
	if origin := msg.ReplyToOrigin; origin != nil && !msg.Forwarded {
		client, err := d.activate(ctx, msg.SenderID, origin)
		if err != nil {
			slog.Error("Desk.route: context switch failed", "sender", msg.SenderID, "error", err)
			return []string{ServerErrorText}
		}
		replies = append(replies, fmt.Sprintf(contextSwitchedText, client.DisplayName()))
	}

	if msg.Forwarded {
		return append(replies, d.handleForward(ctx, msg, text)...)
	}
	return append(replies, d.handleQuestion(ctx, msg.SenderID, text)...)
}

// handleForward runs a forwarded client message through the pipeline.
func (d *Desk) handleForward(ctx context.Context, msg models.InboundMessage, text string) []string {
	if msg.Origin == nil || msg.Origin.ID == "" {
		slog.Info("Desk.handleForward: forward origin hidden", "sender", msg.SenderID)
		return []string{MissingForwardMetadataText}
	}
	if _, err := d.activate(ctx, msg.SenderID, msg.Origin); err != nil {
		slog.Error("Desk.handleForward: context switch failed", "sender", msg.SenderID, "error", err)
		return []string{ServerErrorText}
	}

	res, err := d.pipeline.Submit(ctx, models.InteractionRequest{
		ExternalClientID: msg.Origin.ID,
		DisplayName:      msg.Origin.Name,
		Text:             text,
	})
	if err != nil {
		slog.Error("Desk.handleForward: submit failed", "sender", msg.SenderID, "client", msg.Origin.ID, "error", err)
		return []string{ServerErrorText}
	}
	slog.Debug("Desk.handleForward: reply ready", "client", msg.Origin.ID, "stage", res.Stage)
	return []string{res.Reply, res.AssistantHint}
}

// handleQuestion answers a follow-up question about the active client.
func (d *Desk) handleQuestion(ctx context.Context, assistantID, question string) []string {
	ac, err := d.repo.GetActiveContext(ctx, assistantID)
	if err != nil {
		slog.Error("Desk.handleQuestion: active context lookup failed", "sender", assistantID, "error", err)
		return []string{ServerErrorText}
	}
	if ac == nil {
		return []string{NoContextText}
	}
	client, err := d.repo.GetClient(ctx, ac.ClientID)
	if err != nil || client == nil {
		slog.Error("Desk.handleQuestion: active client missing", "sender", assistantID, "clientID", ac.ClientID, "error", err)
		return []string{ServerErrorText}
	}

	stage, err := d.pipeline.CurrentStage(ctx, client.ID)
	if err != nil {
		slog.Error("Desk.handleQuestion: stage lookup failed", "clientID", client.ID, "error", err)
		return []string{ServerErrorText}
	}
	answer, err := d.pipeline.AnswerAssistant(ctx, *client, question)
	if err != nil {
		slog.Error("Desk.handleQuestion: answer failed", "clientID", client.ID, "error", err)
		return []string{ServerErrorText}
	}
	return []string{fmt.Sprintf(stageLineText, stage.Label()) + answer}
}

func (d *Desk) switchByExternalID(ctx context.Context, assistantID, externalID string) []string {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return []string{ClientUsageText}
	}
	client, err := d.repo.GetClientByExternalID(ctx, externalID)
	if err != nil {
		slog.Error("Desk.switchByExternalID: lookup failed", "externalID", externalID, "error", err)
		return []string{ServerErrorText}
	}
	if client == nil {
		return []string{fmt.Sprintf(clientNotFoundText, externalID)}
	}
	if err := d.repo.SetActiveContext(ctx, assistantID, client.ID); err != nil {
		slog.Error("Desk.switchByExternalID: set context failed", "externalID", externalID, "error", err)
		return []string{ServerErrorText}
	}
	slog.Info("Desk: context switched", "assistant", assistantID, "clientID", client.ID)
	return []string{fmt.Sprintf(contextSwitchedText, client.DisplayName())}
}

// activate makes the origin's client the assistant's active context, creating the client
// if needed.
func (d *Desk) activate(ctx context.Context, assistantID string, origin *models.ForwardOrigin) (models.Client, error) {
	client, _, err := d.repo.GetOrCreateClient(ctx, origin.ID, origin.Name)
	if err != nil {
		return models.Client{}, fmt.Errorf("get or create client %s: %w", origin.ID, err)
	}
	if err := d.repo.SetActiveContext(ctx, assistantID, client.ID); err != nil {
		return models.Client{}, fmt.Errorf("set active context: %w", err)
	}
	slog.Info("Desk: context switched", "assistant", assistantID, "clientID", client.ID)
	return client, nil
}

// parseCommand splits "/cmd@bot args" into its command and arguments.
func parseCommand(text string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest), head != ""
}
