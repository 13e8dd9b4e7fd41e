// internal/types/request.go
package types

import (
	"encoding/json"
	"time"
)

// ChatType selects how a request is normalized before it reaches the backend.
type ChatType string

const (
	ChatText         ChatType = "text"
	ChatTextImage    ChatType = "text_image"
	ChatNotification ChatType = "notification"
	ChatDesktopWatch ChatType = "desktop_watch"
)

// Valid reports whether t is one of the four known chat types.
func (t ChatType) Valid() bool {
	switch t {
	case ChatText, ChatTextImage, ChatNotification, ChatDesktopWatch:
		return true
	}
	return false
}

type CaptureType string

const (
	CaptureActive CaptureType = "active"
	CaptureFull   CaptureType = "full"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxImages is the largest number of images a single request may carry.
const MaxImages = 5

// ChatRequest is the inbound request shared by every transport.
type ChatRequest struct {
	Query          string               `json:"query"`
	PartitionHint  string               `json:"partitionHint"`
	ChatType       ChatType             `json:"chatType"`
	Images         []ImageData          `json:"images,omitempty"`
	Notification   *NotificationContext `json:"notification,omitempty"`
	DesktopContext *DesktopContext      `json:"desktopContext,omitempty"`
	History        []HistoryMessage     `json:"history,omitempty"`
	InternetSearch bool                 `json:"internetSearch"`
	RequestID      string               `json:"requestId,omitempty"`

	// SessionID is set by multiplexed transports. Reusing the id of an
	// active session replaces that session.
	SessionID SessionID `json:"sessionId,omitempty"`
}

// ImageData holds one image as a base64 data URL.
type ImageData struct {
	Data string `json:"data"`
}

type NotificationContext struct {
	Source          string `json:"source"`
	OriginalMessage string `json:"originalMessage"`
}

type DesktopContext struct {
	WindowTitle string      `json:"windowTitle"`
	Application string      `json:"application"`
	CaptureType CaptureType `json:"captureType"`
	Timestamp   string      `json:"timestamp"`
}

type HistoryMessage struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ImageAnalysisResult is the outcome for a single input image.
type ImageAnalysisResult struct {
	ImageIndex  int    `json:"imageIndex"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// MemoryReference points at a backend memory used to produce the reply.
type MemoryReference struct {
	MemoryID        string          `json:"memoryId"`
	ReferenceNumber int             `json:"referenceNumber"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// SessionState is the lifecycle state of a streaming session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
	SessionErrored   SessionState = "errored"
	SessionClosed    SessionState = "closed"
)

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID        SessionID    `json:"sessionId"`
	RequestID string       `json:"requestId"`
	ChatType  ChatType     `json:"chatType"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"createdAt"`
}
