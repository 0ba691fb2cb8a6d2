package gemini

import (
	"bytes"
	"encoding/json"
	"strings"
)

// WebImage is an image the model cited from the web.
type WebImage struct {
	URL   string
	Title string
	Alt   string
}

// GeneratedImage is an image the model created for this turn.
type GeneratedImage struct {
	URL   string
	Title string
	Alt   string
}

// Candidate is one drafted reply inside a model turn.
type Candidate struct {
	RCID            string
	Text            string
	Thoughts        string
	WebImages       []WebImage
	GeneratedImages []GeneratedImage
}

// ModelOutput is a fully parsed generate response. Metadata is the
// continuation triple [cid, rid, rcid] for the chosen candidate.
type ModelOutput struct {
	Metadata   []string
	Candidates []Candidate
	Chosen     int
}

func (o *ModelOutput) chosen() *Candidate {
	if o == nil || len(o.Candidates) == 0 {
		return nil
	}
	i := o.Chosen
	if i < 0 || i >= len(o.Candidates) {
		i = 0
	}
	return &o.Candidates[i]
}

// Text returns the chosen candidate's reply text.
func (o *ModelOutput) Text() string {
	if c := o.chosen(); c != nil {
		return c.Text
	}
	return ""
}

// Thoughts returns the chosen candidate's reasoning trace, if any.
func (o *ModelOutput) Thoughts() string {
	if c := o.chosen(); c != nil {
		return c.Thoughts
	}
	return ""
}

// Images returns the chosen candidate's generated images followed by its
// web images, normalized to one slice.
func (o *ModelOutput) Images() []GeneratedImage {
	c := o.chosen()
	if c == nil {
		return nil
	}
	out := make([]GeneratedImage, 0, len(c.GeneratedImages)+len(c.WebImages))
	out = append(out, c.GeneratedImages...)
	for _, w := range c.WebImages {
		out = append(out, GeneratedImage{URL: w.URL, Title: w.Title, Alt: w.Alt})
	}
	return out
}

// parseGenerateResponse walks the batchexecute envelope: a `)]}'` guard
// line, then length-prefixed JSON chunks, each an array of parts. The part
// tagged "wrb.fr" carries the real payload as a JSON string in slot 2.
func parseGenerateResponse(body []byte) (*ModelOutput, error) {
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '[' {
			continue
		}
		var outer []any
		if err := json.Unmarshal(line, &outer); err != nil {
			continue
		}
		for _, part := range outer {
			p, ok := part.([]any)
			if !ok || len(p) < 3 {
				continue
			}
			if tag, _ := p[0].(string); tag != "wrb.fr" {
				continue
			}
			payload, ok := p[2].(string)
			if !ok || payload == "" {
				continue
			}
			var inner []any
			if err := json.Unmarshal([]byte(payload), &inner); err != nil {
				continue
			}
			if out := decodeModelTurn(inner); out != nil {
				return out, nil
			}
		}
	}
	return nil, &ProtocolError{Detail: "no model turn found in response envelope"}
}

// decodeModelTurn extracts candidates and continuation metadata from the
// inner payload; returns nil when this chunk carries no candidates.
func decodeModelTurn(inner []any) *ModelOutput {
	rawCandidates, ok := at(inner, 4).([]any)
	if !ok || len(rawCandidates) == 0 {
		return nil
	}
	out := &ModelOutput{}
	for _, rc := range rawCandidates {
		c, ok := rc.([]any)
		if !ok {
			continue
		}
		cand := Candidate{
			RCID:     str(at(c, 0)),
			Text:     str(at(c, 1, 0)),
			Thoughts: str(at(c, 37, 0, 0)),
		}
		if webs, ok := at(c, 12, 1).([]any); ok {
			for _, rw := range webs {
				w, ok := rw.([]any)
				if !ok {
					continue
				}
				img := WebImage{
					URL:   str(at(w, 0, 0, 0)),
					Title: str(at(w, 7, 0)),
					Alt:   str(at(w, 0, 4)),
				}
				if img.URL != "" {
					cand.WebImages = append(cand.WebImages, img)
				}
			}
		}
		if gens, ok := at(c, 12, 7, 0).([]any); ok {
			for _, rg := range gens {
				g, ok := rg.([]any)
				if !ok {
					continue
				}
				img := GeneratedImage{
					URL:   str(at(g, 0, 3, 3)),
					Title: "[Generated Image]",
					Alt:   str(at(g, 3, 5, 0)),
				}
				if img.URL != "" {
					cand.GeneratedImages = append(cand.GeneratedImages, img)
				}
			}
		}
		if cand.Text == "" && cand.Thoughts == "" && len(cand.WebImages) == 0 && len(cand.GeneratedImages) == 0 {
			continue
		}
		out.Candidates = append(out.Candidates, cand)
	}
	if len(out.Candidates) == 0 {
		return nil
	}
	cid := str(at(inner, 1, 0))
	rid := str(at(inner, 1, 1))
	out.Metadata = []string{cid, rid, out.Candidates[out.Chosen].RCID}
	return out
}

// at indexes nested []any values, returning nil on any shape mismatch.
func at(v any, path ...int) any {
	for _, i := range path {
		arr, ok := v.([]any)
		if !ok || i < 0 || i >= len(arr) {
			return nil
		}
		v = arr[i]
	}
	return v
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
