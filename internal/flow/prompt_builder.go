package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/SpinPipe/internal/models"
)

// HistoryLimit is the number of most recent messages included in a prompt.
const HistoryLimit = 10

// System instructions for the two completion call sites.
const (
	SalesSystemPrompt     = "You are a sales assistant for an online course, chatting with customers."
	AssistantSystemPrompt = "You are a sales helper. Answer your colleague about the client."
)

// Markers the model is asked to emit and the parser looks for.
const (
	ReplyMarker = "Reply to client:"
	HintMarker  = "Hint to assistant:"
	StageMarker = "#Stage:"
)

// PromptInput is everything a sales prompt is built from.
type PromptInput struct {
	Client    models.Client
	History   []models.Message // oldest first
	Knowledge string
	Stage     models.Stage
	NewText   string
}

// FormatHistory renders messages one per line as "<prefix> <text>".
func FormatHistory(history []models.Message) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Author.HistoryPrefix()+" "+m.Text)
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt composes the sales prompt. It has no side effects.
func BuildPrompt(in PromptInput) string {
	stage := in.Stage
	if !models.IsValidStage(stage) {
		stage = models.DefaultStage
	}

	var b strings.Builder
	b.WriteString(in.Knowledge)
	b.WriteString("\n\n\n")
	fmt.Fprintf(&b, "A client named %s is chatting with us.\n\n", in.Client.DisplayName())
	fmt.Fprintf(&b, "Current SPIN stage of the client: %s\n\n", stage.Label())
	b.WriteString("Message history\n")
	b.WriteString(FormatHistory(in.History))
	b.WriteString("\n\nNew message from the client:\n")
	b.WriteString("\"" + in.NewText + "\"\n\n")
	b.WriteString("Reply to the client as an experienced assistant selling an online course.\n")
	b.WriteString("Address the client formally unless they ask otherwise, use the SPIN method and keep the dialogue going.\n\n")
	b.WriteString("Always return the answer in exactly this format:\n\n")
	b.WriteString(ReplyMarker + "\n{the reply to the client}\n\n")
	b.WriteString(HintMarker + "\n{what the assistant should do next according to SPIN: clarify, ask, and so on}\n\n")
	b.WriteString(StageMarker + " S / P / I / N (for example " + StageMarker + " P)\n")
	return b.String()
}

// BuildAssistantPrompt composes the prompt used to answer an assistant's question about a client.
func BuildAssistantPrompt(client models.Client, history []models.Message, knowledge, question string) string {
	var b strings.Builder
	b.WriteString(knowledge)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "A client named %s is chatting with us.\n\n", client.DisplayName())
	b.WriteString("Message history:\n")
	b.WriteString(FormatHistory(history))
	b.WriteString("\n\nQuestion from the assistant:\n")
	b.WriteString("\"" + question + "\"\n\n")
	b.WriteString("You are an experienced sales assistant. Answer your colleague who is asking about this client.\n")
	b.WriteString("Be clear and brief. Do not address the client. Just give the essence.\n")
	return b.String()
}
