package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/chatstream/pkg/llm"
)

const describePrompt = `Describe the image objectively and in detail.

Cover:
- the kind of image (photo, illustration, screenshot, chart)
- its subject and notable details
- colours and overall mood
- any visible text
End with one sentence of the form "This image has features such as ..." listing related keywords.`

// LLMDescriber describes images through a vision-capable llm.Provider.
type LLMDescriber struct {
	provider llm.Provider
}

// NewLLMDescriber wraps a provider configured with a vision model.
func NewLLMDescriber(p llm.Provider) *LLMDescriber {
	return &LLMDescriber{provider: p}
}

func (d *LLMDescriber) Describe(ctx context.Context, mime string, data []byte) (string, error) {
	resp, err := d.provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: describePrompt},
		{Role: "user", Content: "Describe this image.", Images: []string{EncodeDataURL(mime, data)}},
	})
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
