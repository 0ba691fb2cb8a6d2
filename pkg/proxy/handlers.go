package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gembridge/gembridge/pkg/gemini"
	"github.com/gembridge/gembridge/pkg/session"
	"github.com/gembridge/gembridge/pkg/translate"
	"github.com/gembridge/gembridge/pkg/uploads"
)

const conversationHeader = "X-Conversation-ID"

// chatCompletionRequest adds the bridge's conversation binding on top of
// the standard OpenAI request shape.
type chatCompletionRequest struct {
	openai.ChatCompletionRequest
	ConversationID string `json:"conversation_id,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().Unix()
	cards := make([]map[string]any, 0, len(gemini.KnownModels()))
	for _, m := range gemini.KnownModels() {
		cards = append(cards, map[string]any{
			"id":       m.Name,
			"object":   "model",
			"created":  now,
			"owned_by": "google",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	treq, err := openAIToRequest(req, r.Header.Get(conversationHeader))
	if err != nil {
		writeCodedError(w, err)
		return
	}

	if req.Stream {
		s.streamChatCompletion(w, r, treq)
		return
	}

	reply, err := s.translator.Execute(r.Context(), treq)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	w.Header().Set(conversationHeader, reply.ConversationID)
	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   reply.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: reply.RenderText(),
			},
			FinishReason: openai.FinishReasonStop,
		}},
	})
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, treq translate.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, session.CodeTranslation, "streaming unsupported by connection")
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	started := false
	start := func(model, convID string) {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set(conversationHeader, convID)
		w.WriteHeader(http.StatusOK)
		writeSSE(w, flusher, "", openai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant},
			}},
		})
	}

	model := treq.Model
	for chunk := range s.translator.Stream(r.Context(), treq) {
		switch chunk.Kind {
		case translate.ChunkError:
			// Nothing sent yet: fail with a proper status instead of a
			// half-open stream.
			if !started {
				writeCodedError(w, chunk.Err)
				return
			}
			writeSSE(w, flusher, "", map[string]any{"error": errorBody{
				Code:    session.CodeOf(chunk.Err),
				Message: chunk.Err.Error(),
			}})
			return
		case translate.ChunkText:
			start(model, treq.ConversationID)
			writeSSE(w, flusher, "", openai.ChatCompletionStreamResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []openai.ChatCompletionStreamChoice{{
					Delta: openai.ChatCompletionStreamChoiceDelta{Content: chunk.Text},
				}},
			})
		case translate.ChunkImage:
			start(model, treq.ConversationID)
			md := fmt.Sprintf("\n\n![%s](%s)", chunk.Image.Alt, chunk.Image.URL)
			writeSSE(w, flusher, "", openai.ChatCompletionStreamResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []openai.ChatCompletionStreamChoice{{
					Delta: openai.ChatCompletionStreamChoiceDelta{Content: md},
				}},
			})
		case translate.ChunkEnd:
			start(chunk.Reply.Model, chunk.Reply.ConversationID)
			finish := openai.FinishReasonStop
			writeSSE(w, flusher, "", openai.ChatCompletionStreamResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   chunk.Reply.Model,
				Choices: []openai.ChatCompletionStreamChoice{{
					Delta:        openai.ChatCompletionStreamChoiceDelta{},
					FinishReason: finish,
				}},
			})
			writeSSERaw(w, flusher, "data: [DONE]\n\n")
		}
	}
}

// openAIToRequest reduces an OpenAI chat request to the normalized form.
func openAIToRequest(req chatCompletionRequest, headerConvID string) (translate.Request, error) {
	turns := make([]translate.Turn, 0, len(req.Messages))
	for _, msg := range req.Messages {
		turn := translate.Turn{}
		switch msg.Role {
		case openai.ChatMessageRoleSystem, "developer":
			turn.Role = translate.RoleSystem
		case openai.ChatMessageRoleUser:
			turn.Role = translate.RoleUser
		case openai.ChatMessageRoleAssistant:
			turn.Role = translate.RoleAssistant
		default:
			return translate.Request{}, session.NewError(session.CodeTranslation, "unsupported role "+msg.Role, nil)
		}
		if len(msg.MultiContent) > 0 {
			var texts []string
			for _, part := range msg.MultiContent {
				switch part.Type {
				case openai.ChatMessagePartTypeText:
					texts = append(texts, part.Text)
				case openai.ChatMessagePartTypeImageURL:
					if part.ImageURL == nil || part.ImageURL.URL == "" {
						return translate.Request{}, session.NewError(session.CodeTranslation, "image part without url", nil)
					}
					turn.Attachments = append(turn.Attachments, translate.Attachment{
						Name: "image",
						Ref:  part.ImageURL.URL,
					})
				default:
					return translate.Request{}, session.NewError(session.CodeTranslation, "unsupported content part "+string(part.Type), nil)
				}
			}
			turn.Content = strings.Join(texts, "\n")
		} else {
			turn.Content = msg.Content
		}
		turns = append(turns, turn)
	}

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = strings.TrimSpace(headerConvID)
	}
	out := translate.Request{
		Model:          req.Model,
		Turns:          turns,
		ConversationID: convID,
	}
	if out.ConversationID == "" {
		out.ConversationID = uuid.NewString()
	}
	return out, nil
}

// --- native endpoints ---

type geminiRequest struct {
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleGemini answers a single stateless prompt: every call starts a fresh
// backend conversation.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	var req geminiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	reply, err := s.translator.Execute(r.Context(), translate.Request{
		Model: req.Model,
		Turns: []translate.Turn{{Role: translate.RoleUser, Content: req.Message}},
	})
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": reply.RenderText()})
}

// handleGeminiChat keeps continuation state per conversation_id.
func (s *Server) handleGeminiChat(w http.ResponseWriter, r *http.Request) {
	var req geminiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
	}
	reply, err := s.translator.Execute(r.Context(), translate.Request{
		Model:          req.Model,
		ConversationID: convID,
		Turns:          []translate.Turn{{Role: translate.RoleUser, Content: req.Message}},
	})
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":        reply.RenderText(),
		"conversation_id": reply.ConversationID,
		"model":           reply.Model,
	})
}

// --- files API ---

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	// Cap the request body before any of it is buffered; the extra
	// megabyte covers multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes()+1<<20)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, session.CodeTranslation, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "missing file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "reading upload failed")
		return
	}
	mime := header.Header.Get("Content-Type")
	stored, err := s.uploads.Put(header.Filename, mime, data)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, uploads.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, session.CodeTranslation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fileCard(stored))
}

func fileCard(f uploads.File) map[string]any {
	return map[string]any{
		"id":         f.ID,
		"object":     "file",
		"filename":   f.Name,
		"bytes":      f.Size,
		"created_at": f.CreatedAt.Unix(),
		"purpose":    "assistants",
	}
}

func (s *Server) handleFileList(w http.ResponseWriter, _ *http.Request) {
	files := s.uploads.List()
	cards := make([]map[string]any, 0, len(files))
	for _, f := range files {
		cards = append(cards, fileCard(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	f, err := s.uploads.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, session.CodeTranslation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fileCard(f))
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	f, err := s.uploads.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, session.CodeTranslation, err.Error())
		return
	}
	ct := f.MIME
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.uploads.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, session.CodeTranslation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "file", "deleted": true})
}

// --- Google-style v1beta surface ---

type betaPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MIMEType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type betaContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []betaPart `json:"parts"`
}

type betaGenerateRequest struct {
	Contents          []betaContent `json:"contents"`
	SystemInstruction *betaContent  `json:"systemInstruction,omitempty"`
}

func (s *Server) handleBetaModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]map[string]any, 0, len(gemini.KnownModels()))
	for _, m := range gemini.KnownModels() {
		models = append(models, map[string]any{
			"name":                       "models/" + m.Name,
			"displayName":                m.Name,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleBetaGenerate(w http.ResponseWriter, r *http.Request) {
	modelAction := chi.URLParam(r, "modelAction")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok {
		writeError(w, http.StatusNotFound, session.CodeTranslation, "expected models/{model}:generateContent")
		return
	}

	var req betaGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	treq, err := betaToRequest(model, req)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	switch action {
	case "generateContent":
		reply, err := s.translator.Execute(r.Context(), treq)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, betaResponse(reply))
	case "streamGenerateContent":
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, session.CodeTranslation, "streaming unsupported by connection")
			return
		}
		reply, err := s.translator.Execute(r.Context(), treq)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeSSE(w, flusher, "", betaResponse(reply))
	default:
		writeError(w, http.StatusNotFound, session.CodeTranslation, "unknown action "+action)
	}
}

func betaToRequest(model string, req betaGenerateRequest) (translate.Request, error) {
	var turns []translate.Turn
	if req.SystemInstruction != nil {
		turns = append(turns, translate.Turn{
			Role:    translate.RoleSystem,
			Content: joinBetaParts(req.SystemInstruction.Parts),
		})
	}
	for _, content := range req.Contents {
		role := translate.RoleUser
		if content.Role == "model" {
			role = translate.RoleAssistant
		}
		turn := translate.Turn{Role: role, Content: joinBetaParts(content.Parts)}
		for _, part := range content.Parts {
			if part.InlineData == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return translate.Request{}, session.NewError(session.CodeTranslation, "inline_data is not valid base64", err)
			}
			turn.Attachments = append(turn.Attachments, translate.Attachment{
				Name: "inline",
				MIME: part.InlineData.MIMEType,
				Data: data,
			})
		}
		turns = append(turns, turn)
	}
	return translate.Request{Model: model, Turns: turns}, nil
}

func joinBetaParts(parts []betaPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func betaResponse(reply *translate.Reply) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": reply.RenderText()}},
			},
			"finishReason": "STOP",
			"index":        0,
		}},
		"modelVersion": reply.Model,
	}
}
