// Package translate converts normalized chat requests into backend turns:
// it flattens history, resolves attachments, picks the model, drives the
// session and commits conversation continuations on success.
package translate

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/gembridge/gembridge/pkg/conversations"
	"github.com/gembridge/gembridge/pkg/gemini"
	"github.com/gembridge/gembridge/pkg/session"
	"github.com/gembridge/gembridge/pkg/uploads"
)

// Backend is the slice of the session manager the translator needs.
type Backend interface {
	Generate(ctx context.Context, req gemini.GenerateRequest) (*gemini.ModelOutput, error)
	UploadFile(ctx context.Context, name string, data []byte) (gemini.FileRef, error)
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attachment is one file carried by a turn. Exactly one of Ref or Data is
// set before resolution: Ref may be a data URI, an http(s) URL or an id
// from the files API.
type Attachment struct {
	Name string
	MIME string
	Ref  string
	Data []byte
}

// Turn is one message of the normalized conversation.
type Turn struct {
	Role        string
	Content     string
	Attachments []Attachment
}

// Request is a protocol-independent chat request. Every HTTP surface is
// reduced to this before touching the backend.
type Request struct {
	Model          string
	Turns          []Turn
	ConversationID string
}

// Reply is one completed model turn.
type Reply struct {
	ConversationID string
	Model          string
	Text           string
	Thoughts       string
	Images         []gemini.GeneratedImage
}

// RenderText returns the reply text with images appended as markdown, the
// form expected by clients that only understand text content.
func (r *Reply) RenderText() string {
	if len(r.Images) == 0 {
		return r.Text
	}
	var b strings.Builder
	b.WriteString(r.Text)
	for _, img := range r.Images {
		alt := img.Alt
		if alt == "" {
			alt = img.Title
		}
		b.WriteString("\n\n![")
		b.WriteString(alt)
		b.WriteString("](")
		b.WriteString(img.URL)
		b.WriteString(")")
	}
	return b.String()
}

type Translator struct {
	backend      Backend
	convs        *conversations.Store
	uploads      *uploads.Store
	logger       *log.Logger
	defaultModel func() string
}

func New(backend Backend, convs *conversations.Store, files *uploads.Store, logger *log.Logger, defaultModel func() string) *Translator {
	return &Translator{
		backend:      backend,
		convs:        convs,
		uploads:      files,
		logger:       logger,
		defaultModel: defaultModel,
	}
}

// modelAliases maps names clients commonly send to canonical backend
// models. Unknown names fall through to substring heuristics.
var modelAliases = map[string]string{
	"gemini":                    gemini.ModelFlash,
	"gemini-pro":                gemini.ModelPro,
	"gemini-flash":              gemini.ModelFlash,
	"gemini-2.5-pro":            gemini.ModelPro,
	"gemini-2.5-flash":          gemini.ModelFlash,
	"gemini-2.0-flash":          gemini.ModelFlash,
	"gemini-2.0-flash-thinking": gemini.ModelFlashThinking,
}

// ResolveModel maps a client-supplied model name onto a canonical backend
// model. Empty input uses the configured default.
func (t *Translator) ResolveModel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(t.defaultModel()))
	}
	for _, m := range gemini.KnownModels() {
		if m.Name == name {
			return name
		}
	}
	if canonical, ok := modelAliases[name]; ok {
		return canonical
	}
	switch {
	case strings.Contains(name, "thinking"):
		return gemini.ModelFlashThinking
	case strings.Contains(name, "pro"):
		return gemini.ModelPro
	case strings.Contains(name, "flash"):
		return gemini.ModelFlash
	}
	return gemini.ModelFlash
}

// flatten renders conversation history into a single prompt. With a stored
// continuation the backend already has the history, so only the system
// paragraphs plus the newest user content are sent; the backend has no
// native system slot, so instructions must ride along on every turn.
// Without a continuation, earlier turns are replayed with role prefixes so
// the backend sees the full context in one shot.
func flatten(turns []Turn, haveContinuation bool) string {
	if haveContinuation {
		var parts []string
		for _, turn := range turns {
			if turn.Role != RoleSystem {
				continue
			}
			if content := strings.TrimSpace(turn.Content); content != "" {
				parts = append(parts, "System: "+content)
			}
		}
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == RoleUser {
				parts = append(parts, turns[i].Content)
				break
			}
		}
		return strings.Join(parts, "\n\n")
	}
	if len(turns) == 1 && turns[0].Role == RoleUser {
		return turns[0].Content
	}
	parts := make([]string, 0, len(turns))
	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		switch turn.Role {
		case RoleSystem:
			parts = append(parts, "System: "+content)
		case RoleAssistant:
			parts = append(parts, "Assistant: "+content)
		default:
			parts = append(parts, "User: "+content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func validate(req Request) error {
	if len(req.Turns) == 0 {
		return session.NewError(session.CodeTranslation, "request has no messages", nil)
	}
	hasUser := false
	for _, turn := range req.Turns {
		switch turn.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return session.NewError(session.CodeTranslation, "unknown role "+turn.Role, nil)
		}
		if turn.Role == RoleUser {
			hasUser = true
		}
	}
	if !hasUser {
		return session.NewError(session.CodeTranslation, "request has no user message", nil)
	}
	return nil
}

// Execute runs one full turn: flatten, resolve attachments, call the
// backend, commit the continuation. A failed turn commits nothing, so the
// conversation can be retried from the same point.
func (t *Translator) Execute(ctx context.Context, req Request) (*Reply, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	model := t.ResolveModel(req.Model)

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
	}
	handle := t.convs.Acquire(convID)
	defer handle.Release()

	continuation := handle.Continuation()
	prompt := flatten(req.Turns, len(continuation) > 0)
	if strings.TrimSpace(prompt) == "" {
		return nil, session.NewError(session.CodeTranslation, "request reduces to an empty prompt", nil)
	}

	files, err := t.resolveAttachments(ctx, req.Turns)
	if err != nil {
		return nil, err
	}

	out, err := t.backend.Generate(ctx, gemini.GenerateRequest{
		Prompt:   prompt,
		Model:    gemini.LookupModel(model),
		Files:    files,
		Metadata: continuation,
	})
	if err != nil {
		return nil, err
	}

	handle.Commit(out.Metadata, model)
	t.logger.Debug("turn complete", "conversation", convID, "model", model, "images", len(out.Images()))
	return &Reply{
		ConversationID: convID,
		Model:          model,
		Text:           out.Text(),
		Thoughts:       out.Thoughts(),
		Images:         out.Images(),
	}, nil
}

// ChunkKind tags one streamed fragment.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkImage
	ChunkEnd
	ChunkError
)

// Chunk is one fragment of a streamed reply. Exactly one payload field is
// meaningful per kind; End carries the finished reply for trailers.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Image *gemini.GeneratedImage
	Reply *Reply
	Err   error
}

// Stream runs Execute and emits its result as an ordered chunk sequence:
// text, then images, then End. The backend delivers whole turns, so the
// stream is a framing of the unary result, never a different one. On
// failure a single Error chunk is emitted.
func (t *Translator) Stream(ctx context.Context, req Request) <-chan Chunk {
	out := make(chan Chunk, 4)
	go func() {
		defer close(out)
		reply, err := t.Execute(ctx, req)
		if err != nil {
			out <- Chunk{Kind: ChunkError, Err: err}
			return
		}
		if reply.Text != "" {
			out <- Chunk{Kind: ChunkText, Text: reply.Text}
		}
		for i := range reply.Images {
			out <- Chunk{Kind: ChunkImage, Image: &reply.Images[i]}
		}
		out <- Chunk{Kind: ChunkEnd, Reply: reply}
	}()
	return out
}

// ResetConversation drops stored continuation state for an id.
func (t *Translator) ResetConversation(id string) {
	handle := t.convs.Acquire(id)
	handle.Reset()
	handle.Release()
}
