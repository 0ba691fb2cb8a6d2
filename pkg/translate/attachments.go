package translate

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gembridge/gembridge/pkg/gemini"
	"github.com/gembridge/gembridge/pkg/session"
)

const (
	fetchTimeout  = 30 * time.Second
	maxFetchBytes = 20 << 20
)

var fetchClient = &http.Client{Timeout: fetchTimeout}

// resolveAttachments turns every attachment in the request into a backend
// file reference. All attachments must resolve; one failure fails the turn
// with attachment_fetch_error and nothing is committed.
func (t *Translator) resolveAttachments(ctx context.Context, turns []Turn) ([]gemini.FileRef, error) {
	var refs []gemini.FileRef
	for _, turn := range turns {
		for _, att := range turn.Attachments {
			data, name, err := t.resolveOne(ctx, att)
			if err != nil {
				return nil, err
			}
			ref, err := t.backend.UploadFile(ctx, name, data)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (t *Translator) resolveOne(ctx context.Context, att Attachment) ([]byte, string, error) {
	name := strings.TrimSpace(att.Name)
	if name == "" {
		name = "attachment"
	}
	switch {
	case len(att.Data) > 0:
		return att.Data, name, nil
	case strings.HasPrefix(att.Ref, "data:"):
		data, err := decodeDataURI(att.Ref)
		if err != nil {
			return nil, "", session.NewError(session.CodeAttachmentFetch, "invalid data URI", err)
		}
		return data, name, nil
	case strings.HasPrefix(att.Ref, "http://"), strings.HasPrefix(att.Ref, "https://"):
		data, err := fetchURL(ctx, att.Ref)
		if err != nil {
			return nil, "", session.NewError(session.CodeAttachmentFetch, "fetching "+att.Ref+" failed", err)
		}
		return data, name, nil
	case strings.HasPrefix(att.Ref, "file-"), strings.HasPrefix(att.Ref, "file://"):
		id := strings.TrimPrefix(att.Ref, "file://")
		f, err := t.uploads.Get(id)
		if err != nil {
			return nil, "", session.NewError(session.CodeAttachmentFetch, "unknown file id "+att.Ref, err)
		}
		if name == "attachment" && f.Name != "" {
			name = f.Name
		}
		return f.Data, name, nil
	default:
		return nil, "", session.NewError(session.CodeAttachmentFetch, "unsupported attachment reference", nil)
	}
}

func decodeDataURI(uri string) ([]byte, error) {
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("data URI has no payload separator")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	return []byte(payload), nil
}

func fetchURL(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxFetchBytes)
	}
	return data, nil
}
