package gemini

import "strings"

// Model identifies a Gemini web model. The web frontend routes a request to
// a specific model through the x-goog-ext-525001261-jspb header; each known
// model carries its header value.
type Model struct {
	Name   string `json:"name"`
	Header string `json:"header,omitempty"`
}

const (
	ModelFlash         = "gemini-3.0-flash"
	ModelPro           = "gemini-3.0-pro"
	ModelFlashThinking = "gemini-3.0-flash-thinking"
)

var knownModels = []Model{
	{Name: ModelFlash, Header: `[1,null,null,null,"56f9f5b2e4332f7e"]`},
	{Name: ModelPro, Header: `[1,null,null,null,"9d8ca3786ee65e0c"]`},
	{Name: ModelFlashThinking, Header: `[1,null,null,null,"7ca48d02d802f20a"]`},
}

// KnownModels returns the catalog advertised after a successful init.
func KnownModels() []Model {
	out := make([]Model, len(knownModels))
	copy(out, knownModels)
	return out
}

// LookupModel resolves a canonical model name; falls back to the flash
// model for unknown names so a stale catalog never blocks a request.
func LookupModel(name string) Model {
	name = strings.TrimSpace(strings.ToLower(name))
	for _, m := range knownModels {
		if m.Name == name {
			return m
		}
	}
	return knownModels[0]
}
