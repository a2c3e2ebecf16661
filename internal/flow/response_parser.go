package flow

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/SpinPipe/internal/models"
)

// Fallbacks used when the model output lacks a section marker. A section that is present
// but empty parses to the empty string.
const (
	FallbackReply = "Sorry, I could not generate a reply."
	FallbackHint  = "Add a clarifying question in the SPIN style."
)

// ParsedResponse is the structured form of a sales completion.
type ParsedResponse struct {
	Reply string
	Hint  string
	Stage models.Stage
}

// ResponseParser extracts reply, hint and stage from raw model output. It never fails.
type ResponseParser interface {
	Parse(raw string) ParsedResponse
}

var (
	replyPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(ReplyMarker) + `(.*?)` + regexp.QuoteMeta(HintMarker))
	hintPattern  = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(HintMarker) + `(.*?)` + regexp.QuoteMeta(StageMarker))
	stagePattern = regexp.MustCompile(regexp.QuoteMeta(StageMarker) + `\s*([SPIN])`)
)

// MarkerParser parses output delimited by ReplyMarker, HintMarker and StageMarker.
type MarkerParser struct{}

// Parse implements ResponseParser.
func (MarkerParser) Parse(raw string) ParsedResponse {
	return ParsedResponse{
		Reply: extractSection(replyPattern, raw, FallbackReply),
		Hint:  extractSection(hintPattern, raw, FallbackHint),
		Stage: ExtractStage(raw),
	}
}

// ExtractStage returns the first stage tag in raw, or the default stage.
func ExtractStage(raw string) models.Stage {
	if m := stagePattern.FindStringSubmatch(raw); m != nil {
		return models.Stage(m[1])
	}
	return models.DefaultStage
}

func extractSection(re *regexp.Regexp, raw, fallback string) string {
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return fallback
	}
	return strings.TrimSpace(m[1])
}
