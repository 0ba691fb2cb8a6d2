package translate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/gembridge/gembridge/pkg/conversations"
	"github.com/gembridge/gembridge/pkg/gemini"
	"github.com/gembridge/gembridge/pkg/session"
	"github.com/gembridge/gembridge/pkg/uploads"
)

type fakeBackend struct {
	mu        sync.Mutex
	requests  []gemini.GenerateRequest
	uploadedN []string
	out       *gemini.ModelOutput
	err       error
	uploadErr error
}

func (f *fakeBackend) Generate(ctx context.Context, req gemini.GenerateRequest) (*gemini.ModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeBackend) UploadFile(ctx context.Context, name string, data []byte) (gemini.FileRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return gemini.FileRef{}, f.uploadErr
	}
	f.uploadedN = append(f.uploadedN, name)
	return gemini.FileRef{ID: "ref-" + name, Name: name}, nil
}

func (f *fakeBackend) lastRequest(t *testing.T) gemini.GenerateRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no backend requests recorded")
	}
	return f.requests[len(f.requests)-1]
}

func output(text string, metadata ...string) *gemini.ModelOutput {
	return &gemini.ModelOutput{
		Metadata:   metadata,
		Candidates: []gemini.Candidate{{Text: text, RCID: metadata[2]}},
	}
}

func newTestTranslator(backend *fakeBackend) (*Translator, *conversations.Store) {
	convs := conversations.NewStore()
	return New(backend, convs, uploads.NewStore(1, 1), log.New(io.Discard), func() string { return gemini.ModelFlash }), convs
}

func TestExecuteFlattensHistory(t *testing.T) {
	backend := &fakeBackend{out: output("hi", "c1", "r1", "rc1")}
	tr, _ := newTestTranslator(backend)

	_, err := tr.Execute(context.Background(), Request{
		Turns: []Turn{
			{Role: RoleSystem, Content: "Be brief."},
			{Role: RoleUser, Content: "What is Go?"},
			{Role: RoleAssistant, Content: "A language."},
			{Role: RoleUser, Content: "Who made it?"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "System: Be brief.\n\nUser: What is Go?\n\nAssistant: A language.\n\nUser: Who made it?"
	if got := backend.lastRequest(t).Prompt; got != want {
		t.Fatalf("prompt = %q\nwant %q", got, want)
	}
}

func TestExecuteSingleUserTurnIsBare(t *testing.T) {
	backend := &fakeBackend{out: output("hi", "c1", "r1", "rc1")}
	tr, _ := newTestTranslator(backend)
	if _, err := tr.Execute(context.Background(), Request{
		Turns: []Turn{{Role: RoleUser, Content: "hello"}},
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := backend.lastRequest(t).Prompt; got != "hello" {
		t.Fatalf("prompt = %q", got)
	}
}

func TestExecuteContinuationChaining(t *testing.T) {
	backend := &fakeBackend{out: output("first", "c1", "r1", "rc1")}
	tr, _ := newTestTranslator(backend)

	reply, err := tr.Execute(context.Background(), Request{
		ConversationID: "conv-1",
		Turns:          []Turn{{Role: RoleUser, Content: "first question"}},
	})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if reply.ConversationID != "conv-1" {
		t.Fatalf("conversation id = %q", reply.ConversationID)
	}
	if md := backend.lastRequest(t).Metadata; md != nil {
		t.Fatalf("first turn carried continuation %v", md)
	}

	backend.mu.Lock()
	backend.out = output("second", "c1", "r2", "rc2")
	backend.mu.Unlock()
	_, err = tr.Execute(context.Background(), Request{
		ConversationID: "conv-1",
		Turns: []Turn{
			{Role: RoleUser, Content: "first question"},
			{Role: RoleAssistant, Content: "first"},
			{Role: RoleUser, Content: "follow-up"},
		},
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	req := backend.lastRequest(t)
	if req.Prompt != "follow-up" {
		t.Fatalf("second prompt = %q, history should not replay", req.Prompt)
	}
	if len(req.Metadata) != 3 || req.Metadata[0] != "c1" || req.Metadata[2] != "rc1" {
		t.Fatalf("continuation = %v", req.Metadata)
	}
}

func TestExecuteContinuationKeepsSystemInstruction(t *testing.T) {
	backend := &fakeBackend{out: output("I am helpful.", "c1", "r1", "rc1")}
	tr, _ := newTestTranslator(backend)

	if _, err := tr.Execute(context.Background(), Request{
		ConversationID: "conv-1",
		Turns:          []Turn{{Role: RoleUser, Content: "hello"}},
	}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	backend.mu.Lock()
	backend.out = output("beep boop", "c1", "r2", "rc2")
	backend.mu.Unlock()
	_, err := tr.Execute(context.Background(), Request{
		ConversationID: "conv-1",
		Turns: []Turn{
			{Role: RoleSystem, Content: "You are now a robot."},
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "I am helpful."},
			{Role: RoleUser, Content: "Who are you?"},
		},
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	req := backend.lastRequest(t)
	want := "System: You are now a robot.\n\nWho are you?"
	if req.Prompt != want {
		t.Fatalf("prompt = %q\nwant %q", req.Prompt, want)
	}
	if len(req.Metadata) != 3 {
		t.Fatalf("continuation = %v", req.Metadata)
	}
}

func TestExecuteFailureCommitsNothing(t *testing.T) {
	backend := &fakeBackend{out: output("ok", "c1", "r1", "rc1")}
	tr, convs := newTestTranslator(backend)

	if _, err := tr.Execute(context.Background(), Request{
		ConversationID: "conv-1",
		Turns:          []Turn{{Role: RoleUser, Content: "q1"}},
	}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	backend.mu.Lock()
	backend.err = errors.New("backend down")
	backend.mu.Unlock()
	if _, err := tr.Execute(context.Background(), Request{
		ConversationID: "conv-1",
		Turns:          []Turn{{Role: RoleUser, Content: "q2"}},
	}); err == nil {
		t.Fatal("expected failure")
	}

	h := convs.Acquire("conv-1")
	defer h.Release()
	md := h.Continuation()
	if len(md) != 3 || md[2] != "rc1" {
		t.Fatalf("continuation after failed turn = %v", md)
	}
}

func TestStreamMatchesUnaryResult(t *testing.T) {
	backend := &fakeBackend{out: &gemini.ModelOutput{
		Metadata: []string{"c1", "r1", "rc1"},
		Candidates: []gemini.Candidate{{
			Text:            "answer",
			GeneratedImages: []gemini.GeneratedImage{{URL: "https://img", Title: "pic"}},
		}},
	}}
	tr, _ := newTestTranslator(backend)

	var kinds []ChunkKind
	var text string
	var images int
	for chunk := range tr.Stream(context.Background(), Request{
		Turns: []Turn{{Role: RoleUser, Content: "draw"}},
	}) {
		kinds = append(kinds, chunk.Kind)
		switch chunk.Kind {
		case ChunkText:
			text += chunk.Text
		case ChunkImage:
			images++
		case ChunkError:
			t.Fatalf("error chunk: %v", chunk.Err)
		}
	}
	if len(kinds) != 3 || kinds[0] != ChunkText || kinds[1] != ChunkImage || kinds[2] != ChunkEnd {
		t.Fatalf("chunk order = %v", kinds)
	}
	if text != "answer" || images != 1 {
		t.Fatalf("text = %q images = %d", text, images)
	}
}

func TestStreamEmitsErrorChunk(t *testing.T) {
	backend := &fakeBackend{err: session.NewError(session.CodeNetworkError, "down", nil)}
	tr, _ := newTestTranslator(backend)
	var last Chunk
	for chunk := range tr.Stream(context.Background(), Request{
		Turns: []Turn{{Role: RoleUser, Content: "hi"}},
	}) {
		last = chunk
	}
	if last.Kind != ChunkError || session.CodeOf(last.Err) != session.CodeNetworkError {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestValidateRejectsBadRequests(t *testing.T) {
	tr, _ := newTestTranslator(&fakeBackend{})
	cases := []Request{
		{},
		{Turns: []Turn{{Role: "tool", Content: "x"}}},
		{Turns: []Turn{{Role: RoleAssistant, Content: "no user turn"}}},
	}
	for i, req := range cases {
		_, err := tr.Execute(context.Background(), req)
		if session.CodeOf(err) != session.CodeTranslation {
			t.Fatalf("case %d: code = %q, err %v", i, session.CodeOf(err), err)
		}
	}
}

func TestResolveModel(t *testing.T) {
	tr, _ := newTestTranslator(&fakeBackend{})
	cases := map[string]string{
		"":                          gemini.ModelFlash,
		"gemini-3.0-pro":            gemini.ModelPro,
		"gemini-pro":                gemini.ModelPro,
		"gemini-2.0-flash-thinking": gemini.ModelFlashThinking,
		"my-custom-thinking-model":  gemini.ModelFlashThinking,
		"whatever-pro-build":        gemini.ModelPro,
		"totally-unknown":           gemini.ModelFlash,
	}
	for in, want := range cases {
		if got := tr.ResolveModel(in); got != want {
			t.Fatalf("ResolveModel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAttachmentsFromDataURIAndFileStore(t *testing.T) {
	backend := &fakeBackend{out: output("ok", "c1", "r1", "rc1")}
	convs := conversations.NewStore()
	files := uploads.NewStore(1, 1)
	tr := New(backend, convs, files, log.New(io.Discard), func() string { return gemini.ModelFlash })

	stored, err := files.Put("doc.txt", "text/plain", []byte("stored bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err = tr.Execute(context.Background(), Request{
		Turns: []Turn{{
			Role:    RoleUser,
			Content: "describe these",
			Attachments: []Attachment{
				{Name: "inline.txt", Ref: "data:text/plain;base64,aGVsbG8="},
				{Ref: stored.ID},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	req := backend.lastRequest(t)
	if len(req.Files) != 2 {
		t.Fatalf("files = %v", req.Files)
	}
	if req.Files[0].Name != "inline.txt" || req.Files[1].Name != "doc.txt" {
		t.Fatalf("file names = %q %q", req.Files[0].Name, req.Files[1].Name)
	}
}

func TestAttachmentUnknownRefFailsTurn(t *testing.T) {
	backend := &fakeBackend{out: output("ok", "c1", "r1", "rc1")}
	tr, _ := newTestTranslator(backend)
	_, err := tr.Execute(context.Background(), Request{
		Turns: []Turn{{
			Role:        RoleUser,
			Content:     "see file",
			Attachments: []Attachment{{Ref: "file-does-not-exist"}},
		}},
	})
	if session.CodeOf(err) != session.CodeAttachmentFetch {
		t.Fatalf("code = %q, err %v", session.CodeOf(err), err)
	}
	backend.mu.Lock()
	calls := len(backend.requests)
	backend.mu.Unlock()
	if calls != 0 {
		t.Fatalf("backend called %d times despite attachment failure", calls)
	}
}

func TestRenderTextAppendsImageMarkdown(t *testing.T) {
	r := &Reply{
		Text:   "here",
		Images: []gemini.GeneratedImage{{URL: "https://x/img.png", Title: "pic", Alt: "a picture"}},
	}
	want := "here\n\n![a picture](https://x/img.png)"
	if got := r.RenderText(); got != want {
		t.Fatalf("RenderText = %q", got)
	}
}
