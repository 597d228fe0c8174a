package backend

import (
	"encoding/json"

	"TrafficEye/internal/session"
)

// PromptMessage is one entry of the prompt array sent to /api/run. On the
// wire its content is the pair [{"video": [...]}, {"text": "..."}].
type PromptMessage struct {
	Role  string
	Video []string
	Text  string
}

type promptVideo struct {
	Video []string `json:"video"`
}

type promptText struct {
	Text string `json:"text"`
}

// MarshalJSON implements json.Marshaler
func (m PromptMessage) MarshalJSON() ([]byte, error) {
	video := m.Video
	if video == nil {
		video = []string{}
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content []any  `json:"content"`
	}{
		Role:    m.Role,
		Content: []any{promptVideo{Video: video}, promptText{Text: m.Text}},
	})
}

// InferenceRequest represents the request body for the chat stream
type InferenceRequest struct {
	Prompt         []PromptMessage `json:"prompt"`
	Model          string          `json:"model"`
	ConversationID *int64          `json:"conversation_id,omitempty"`
	MediaFilename  string          `json:"media_filename,omitempty"`
}

// NewInferenceRequest wraps user text in the single-message prompt envelope
func NewInferenceRequest(text, model string) InferenceRequest {
	return InferenceRequest{
		Prompt: []PromptMessage{{Role: session.RoleUser, Text: text}},
		Model:  model,
	}
}

// StageRequest represents the request body for one analysis stage
type StageRequest struct {
	Video  string `json:"video,omitempty"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// UploadResult represents the response from the video upload endpoint
type UploadResult struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Filepath string `json:"filepath"`
}

// Settings holds the model API keys stored on the backend
type Settings struct {
	DashscopeKey string `json:"dashscope_key"`
	GeminiKey    string `json:"gemini_key"`
}

// ConversationDetail is a conversation with its stored messages
type ConversationDetail struct {
	Conversation session.Conversation          `json:"conversation"`
	Messages     []session.ConversationMessage `json:"messages"`
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Message string        `json:"message"`
	User    *session.User `json:"user"`
}
