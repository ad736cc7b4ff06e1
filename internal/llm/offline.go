package llm

import (
	"context"
	"strings"

	"github.com/jorge-barreto/docpipe/internal/fileblocks"
)

// FileMarker starts a per-file segment in a prompt. Each segment holds the
// outline the model expands into that file.
const FileMarker = "### file: "

// Offline is a deterministic client that needs no network. It answers a
// prompt made of FileMarker segments with one fenced file block per segment
// whose body is the segment's outline, so identical prompts always yield
// identical text.
type Offline struct {
	Model string
}

// NewOffline returns the offline client.
func NewOffline(model string) *Offline {
	if model == "" {
		model = "offline"
	}
	return &Offline{Model: model}
}

// Complete implements Client.
func (o *Offline) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	var blocks []fileblocks.Block
	var cur *fileblocks.Block
	var body []string
	flush := func() {
		if cur != nil {
			cur.Content = strings.TrimSpace(strings.Join(body, "\n")) + "\n"
			blocks = append(blocks, *cur)
		}
		body = body[:0]
	}
	for _, line := range strings.Split(req.Prompt, "\n") {
		if strings.HasPrefix(line, FileMarker) {
			flush()
			cur = &fileblocks.Block{Path: strings.TrimSpace(strings.TrimPrefix(line, FileMarker)), Lang: "markdown"}
			continue
		}
		if cur != nil {
			body = append(body, strings.TrimRight(line, " \t"))
		}
	}
	flush()

	text := fileblocks.Render(blocks)
	out := EstimateTokens(text)
	if req.MaxTokens > 0 && out > req.MaxTokens {
		out = req.MaxTokens
	}
	return Response{
		Text:         text,
		Model:        o.Model,
		InputTokens:  EstimateTokens(req.System) + EstimateTokens(req.Prompt),
		OutputTokens: out,
	}, nil
}

// EstimateTokens approximates a token count as one token per four bytes.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
