// Package normalize validates chat requests and turns each of the four
// request shapes into a single enriched backend query.
package normalize

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/chatstream/internal/types"
)

// analysisFailedText stands in for the description of an image that could
// not be analyzed.
const analysisFailedText = "analysis failed"

var htmlTag = regexp.MustCompile(`<\s*/?\s*[a-zA-Z][a-zA-Z0-9]*(\s[^>]*)?/?>`)

// Normalized is a validated request with its chat type resolved.
type Normalized struct {
	Kind           types.ChatType
	Query          string
	PartitionID    types.PartitionID
	Images         []types.ImageData
	History        []types.HistoryMessage
	InternetSearch bool
	RequestID      string
}

// HasImages reports whether the image stage has work to do.
func (n Normalized) HasImages() bool {
	return len(n.Images) > 0
}

// RequiresImage reports whether a session must fail when no image could be
// analyzed.
func (n Normalized) RequiresImage() bool {
	return n.Kind == types.ChatDesktopWatch
}

// WithImageAnalysis returns the enriched query extended with one
// "[image N]" line per result. Failed entries carry the placeholder text.
func (n Normalized) WithImageAnalysis(results []types.ImageAnalysisResult) string {
	var b strings.Builder
	b.WriteString(n.Query)
	for _, r := range results {
		desc := r.Description
		if !r.Success || desc == "" {
			desc = analysisFailedText
		}
		fmt.Fprintf(&b, "\n\n[image %d]: %s", r.ImageIndex+1, desc)
	}
	return b.String()
}

// Normalizer validates requests and builds enriched queries.
type Normalizer struct {
	partitionPrefix string
}

// New creates a Normalizer. partitionPrefix is prepended to every partition
// hint; an empty prefix passes hints through unchanged.
func New(partitionPrefix string) *Normalizer {
	return &Normalizer{partitionPrefix: partitionPrefix}
}

// Normalize validates req and returns its normalized form. Failures are
// always *types.ValidationError.
func (n *Normalizer) Normalize(req types.ChatRequest) (Normalized, error) {
	if err := validate(req); err != nil {
		return Normalized{}, err
	}

	out := Normalized{
		Kind:           req.ChatType,
		PartitionID:    types.PartitionID(n.partitionPrefix + strings.TrimSpace(req.PartitionHint)),
		Images:         req.Images,
		History:        req.History,
		InternetSearch: req.InternetSearch,
		RequestID:      req.RequestID,
	}

	switch req.ChatType {
	case types.ChatNotification:
		out.Query = fmt.Sprintf("[notification from %s] %s\n\n%s",
			req.Notification.Source, notificationBody(req.Notification.OriginalMessage), req.Query)
	case types.ChatDesktopWatch:
		out.Query = fmt.Sprintf("[desktop-watch: %s] window=%s\n\n%s",
			req.DesktopContext.Application, req.DesktopContext.WindowTitle, req.Query)
	default:
		out.Query = req.Query
	}
	return out, nil
}

// notificationBody converts HTML notification bodies to markdown. Plain
// text is returned untouched.
func notificationBody(msg string) string {
	if !htmlTag.MatchString(msg) {
		return msg
	}
	md, err := htmltomarkdown.ConvertString(msg)
	if err != nil {
		slog.Warn("notification html conversion failed", "error", err)
		return msg
	}
	return strings.TrimSpace(md)
}

func validate(req types.ChatRequest) error {
	if !req.ChatType.Valid() {
		return &types.ValidationError{Field: "chatType", Reason: fmt.Sprintf("unknown chat type %q", req.ChatType)}
	}
	if strings.TrimSpace(req.PartitionHint) == "" {
		return &types.ValidationError{Field: "partitionHint", Reason: "must not be empty"}
	}
	if len(req.Images) > types.MaxImages {
		return &types.ValidationError{Field: "images", Reason: fmt.Sprintf("at most %d images allowed, got %d", types.MaxImages, len(req.Images))}
	}
	if req.Notification != nil && req.DesktopContext != nil {
		return &types.ValidationError{Field: "notification", Reason: "notification and desktopContext are mutually exclusive"}
	}
	if req.ChatType != types.ChatDesktopWatch && strings.TrimSpace(req.Query) == "" {
		return &types.ValidationError{Field: "query", Reason: "must not be empty"}
	}

	switch req.ChatType {
	case types.ChatText, types.ChatTextImage:
		if req.Notification != nil {
			return &types.ValidationError{Field: "notification", Reason: "only allowed for notification requests"}
		}
		if req.DesktopContext != nil {
			return &types.ValidationError{Field: "desktopContext", Reason: "only allowed for desktop_watch requests"}
		}
		if req.ChatType == types.ChatTextImage && len(req.Images) == 0 {
			return &types.ValidationError{Field: "images", Reason: "text_image requires at least one image"}
		}
	case types.ChatNotification:
		if req.DesktopContext != nil {
			return &types.ValidationError{Field: "desktopContext", Reason: "only allowed for desktop_watch requests"}
		}
		if err := validateNotification(req.Notification); err != nil {
			return err
		}
	case types.ChatDesktopWatch:
		if req.Notification != nil {
			return &types.ValidationError{Field: "notification", Reason: "only allowed for notification requests"}
		}
		if len(req.Images) == 0 {
			return &types.ValidationError{Field: "images", Reason: "desktop_watch requires at least one image"}
		}
		if err := validateDesktop(req.DesktopContext); err != nil {
			return err
		}
	}

	for i, h := range req.History {
		if h.Role != types.RoleUser && h.Role != types.RoleAssistant {
			return &types.ValidationError{Field: fmt.Sprintf("history[%d].role", i), Reason: fmt.Sprintf("unknown role %q", h.Role)}
		}
	}
	return nil
}

func validateNotification(nc *types.NotificationContext) error {
	if nc == nil {
		return &types.ValidationError{Field: "notification", Reason: "required for notification requests"}
	}
	if strings.TrimSpace(nc.Source) == "" {
		return &types.ValidationError{Field: "notification.source", Reason: "must not be empty"}
	}
	if strings.TrimSpace(nc.OriginalMessage) == "" {
		return &types.ValidationError{Field: "notification.originalMessage", Reason: "must not be empty"}
	}
	return nil
}

func validateDesktop(dc *types.DesktopContext) error {
	if dc == nil {
		return &types.ValidationError{Field: "desktopContext", Reason: "required for desktop_watch requests"}
	}
	if strings.TrimSpace(dc.WindowTitle) == "" {
		return &types.ValidationError{Field: "desktopContext.windowTitle", Reason: "must not be empty"}
	}
	if strings.TrimSpace(dc.Application) == "" {
		return &types.ValidationError{Field: "desktopContext.application", Reason: "must not be empty"}
	}
	if dc.CaptureType != types.CaptureActive && dc.CaptureType != types.CaptureFull {
		return &types.ValidationError{Field: "desktopContext.captureType", Reason: fmt.Sprintf("must be active or full, got %q", dc.CaptureType)}
	}
	if !validTimestamp(dc.Timestamp) {
		return &types.ValidationError{Field: "desktopContext.timestamp", Reason: "must be an ISO-8601 timestamp"}
	}
	return nil
}

// validTimestamp accepts RFC 3339 and the zone-less ISO-8601 form.
func validTimestamp(s string) bool {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
