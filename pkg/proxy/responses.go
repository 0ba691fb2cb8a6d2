package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/pkg/session"
	"github.com/gembridge/gembridge/pkg/translate"
)

// responsesRequest is the subset of the OpenAI Responses API the bridge
// supports. Input is either a plain string or a list of messages.
type responsesRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	Instructions   string          `json:"instructions,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

type responsesInputItem struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type responsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, session.CodeTranslation, "invalid request body: "+err.Error())
		return
	}
	treq, err := responsesToRequest(req, r.Header.Get(conversationHeader))
	if err != nil {
		writeCodedError(w, err)
		return
	}

	if req.Stream {
		s.streamResponses(w, r, treq)
		return
	}
	reply, err := s.translator.Execute(r.Context(), treq)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	w.Header().Set(conversationHeader, reply.ConversationID)
	writeJSON(w, http.StatusOK, responsesPayload("resp_"+uuid.NewString(), reply, "completed"))
}

func (s *Server) streamResponses(w http.ResponseWriter, r *http.Request, treq translate.Request) {
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

	id := "resp_" + uuid.NewString()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(conversationHeader, reply.ConversationID)
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, "response.created", map[string]any{
		"type":     "response.created",
		"response": responsesPayload(id, reply, "in_progress"),
	})
	writeSSE(w, flusher, "response.output_text.delta", map[string]any{
		"type":  "response.output_text.delta",
		"delta": reply.RenderText(),
	})
	writeSSE(w, flusher, "response.completed", map[string]any{
		"type":     "response.completed",
		"response": responsesPayload(id, reply, "completed"),
	})
}

func responsesPayload(id string, reply *translate.Reply, status string) map[string]any {
	text := ""
	if status == "completed" {
		text = reply.RenderText()
	}
	output := []map[string]any{}
	if status == "completed" {
		output = append(output, map[string]any{
			"type": "message",
			"id":   "msg_" + uuid.NewString(),
			"role": "assistant",
			"content": []map[string]any{{
				"type": "output_text",
				"text": text,
			}},
		})
	}
	return map[string]any{
		"id":         id,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     status,
		"model":      reply.Model,
		"output":     output,
	}
}

func responsesToRequest(req responsesRequest, headerConvID string) (translate.Request, error) {
	var turns []translate.Turn
	if strings.TrimSpace(req.Instructions) != "" {
		turns = append(turns, translate.Turn{Role: translate.RoleSystem, Content: req.Instructions})
	}

	if len(req.Input) == 0 {
		return translate.Request{}, session.NewError(session.CodeTranslation, "input is required", nil)
	}
	var asString string
	if err := json.Unmarshal(req.Input, &asString); err == nil {
		turns = append(turns, translate.Turn{Role: translate.RoleUser, Content: asString})
	} else {
		var items []responsesInputItem
		if err := json.Unmarshal(req.Input, &items); err != nil {
			return translate.Request{}, session.NewError(session.CodeTranslation, "input must be a string or a message list", err)
		}
		for _, item := range items {
			turn, err := responsesItemToTurn(item)
			if err != nil {
				return translate.Request{}, err
			}
			turns = append(turns, turn)
		}
	}

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = strings.TrimSpace(headerConvID)
	}
	if convID == "" {
		convID = uuid.NewString()
	}
	return translate.Request{Model: req.Model, Turns: turns, ConversationID: convID}, nil
}

func responsesItemToTurn(item responsesInputItem) (translate.Turn, error) {
	turn := translate.Turn{}
	switch item.Role {
	case "system", "developer":
		turn.Role = translate.RoleSystem
	case "user", "":
		turn.Role = translate.RoleUser
	case "assistant":
		turn.Role = translate.RoleAssistant
	default:
		return translate.Turn{}, session.NewError(session.CodeTranslation, "unsupported role "+item.Role, nil)
	}

	var asString string
	if err := json.Unmarshal(item.Content, &asString); err == nil {
		turn.Content = asString
		return turn, nil
	}
	var parts []responsesContentPart
	if err := json.Unmarshal(item.Content, &parts); err != nil {
		return translate.Turn{}, session.NewError(session.CodeTranslation, "message content must be a string or part list", err)
	}
	var texts []string
	for _, part := range parts {
		switch part.Type {
		case "input_text", "output_text", "text":
			texts = append(texts, part.Text)
		case "input_image":
			if part.ImageURL == "" {
				return translate.Turn{}, session.NewError(session.CodeTranslation, "input_image part without image_url", nil)
			}
			turn.Attachments = append(turn.Attachments, translate.Attachment{Name: "image", Ref: part.ImageURL})
		default:
			return translate.Turn{}, session.NewError(session.CodeTranslation, "unsupported content part "+part.Type, nil)
		}
	}
	turn.Content = strings.Join(texts, "\n")
	return turn, nil
}
