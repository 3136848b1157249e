// Package multipart parses pulled CouchDB document responses: either a
// bare JSON document, or a multipart/related response whose first part
// is the document JSON and whose remaining parts are attachment bodies
// referenced from the document's "_attachments" object via
// "follows: true". Built on stdlib mime/multipart — no library in the
// retrieved pack wraps this concern (see DESIGN.md).
package multipart

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/couchkeep/couchkeep/internal/blob"
	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// AttachmentMeta is one entry of a document's "_attachments" object for
// an attachment expected to "follow" as a separate MIME part.
type AttachmentMeta struct {
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
	Length      int64  `json:"length"`
	Follows     bool   `json:"follows"`
	Revpos      int    `json:"revpos"`
}

// Attachment is a fully resolved attachment, streamed into an open
// *blob.Writer. The writer is left un-installed: the caller installs it
// (inside the same transaction as the force-inserted revision) once the
// document body and its attachments are both ready to commit together.
type Attachment struct {
	Filename    string
	ContentType string
	Length      int64
	Revpos      int
	Writer      *blob.Writer
}

// Document is the parsed result of a pulled document response: the JSON
// body (with "_attachments" stub entries intact) plus the attachments
// bound from trailing multipart parts.
type Document struct {
	Body        json.RawMessage
	Attachments []Attachment
}

// boundPart carries a streamed part's writer alongside the information
// needed to bind it to a "follows: true" attachment entry.
type boundPart struct {
	filename string // from Content-Disposition, if present
	digest   string // "sha1-<base64>", CouchDB's attachment digest format
	writer   *blob.Writer
	bound    bool
}

// Parse reads a pulled document response (contentType as reported by the
// HTTP response's Content-Type header) and returns its body and any
// bound attachments. store lands "follows: true" attachment bytes; it
// may be nil if the caller knows the response carries no attachments
// (contentType not multipart/*). Returned attachment writers are
// Finish()ed but not Install()ed — callers must Install (or Cancel)
// every one, including on error paths that abandon the parse.
func Parse(contentType string, body io.Reader, store *blob.Store) (Document, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		mediaType = "application/json"
	}
	if mediaType != "multipart/related" && mediaType != "multipart/mixed" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return Document{}, storeerr.Upstream(fmt.Sprintf("read document body: %v", err))
		}
		return Document{Body: json.RawMessage(raw)}, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return Document{}, storeerr.Upstream("multipart response missing boundary parameter")
	}
	if store == nil {
		return Document{}, storeerr.Upstream("multipart response received but no blob store was provided")
	}

	mr := multipart.NewReader(body, boundary)

	first, err := mr.NextPart()
	if err != nil {
		return Document{}, storeerr.Upstream(fmt.Sprintf("read first multipart part: %v", err))
	}
	docBytes, err := io.ReadAll(first)
	first.Close()
	if err != nil {
		return Document{}, storeerr.Upstream(fmt.Sprintf("read document part: %v", err))
	}

	var parsed struct {
		Attachments map[string]AttachmentMeta `json:"_attachments"`
	}
	if err := json.Unmarshal(docBytes, &parsed); err != nil {
		return Document{}, storeerr.Upstream(fmt.Sprintf("decode document JSON: %v", err))
	}

	var parts []*boundPart
	cancelAll := func() {
		for _, p := range parts {
			p.writer.Cancel()
		}
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cancelAll()
			return Document{}, storeerr.Upstream(fmt.Sprintf("read multipart part: %v", err))
		}
		bp, err := installPart(p, store)
		p.Close()
		if err != nil {
			cancelAll()
			return Document{}, err
		}
		parts = append(parts, bp)
	}

	attachments, err := bindAttachments(parsed.Attachments, parts)
	if err != nil {
		cancelAll()
		return Document{}, err
	}
	return Document{Body: json.RawMessage(docBytes), Attachments: attachments}, nil
}

// installPart streams a MIME part's body into a fresh blob writer,
// computing its content digest on the fly, and captures enough
// Content-Disposition metadata to bind it to an attachment entry
// afterward.
func installPart(p *multipart.Part, store *blob.Store) (*boundPart, error) {
	w, err := store.OpenWriter()
	if err != nil {
		return nil, storeerr.Storage("open attachment part writer", err)
	}
	if _, err := w.ReadFrom(p); err != nil {
		w.Cancel()
		return nil, err
	}
	if err := w.Finish(); err != nil {
		w.Cancel()
		return nil, err
	}

	filename := ""
	if _, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition")); err == nil {
		filename = params["filename"]
	}
	if filename == "" {
		filename = p.FileName()
	}

	key := w.Key()
	return &boundPart{
		filename: filename,
		digest:   "sha1-" + base64.StdEncoding.EncodeToString(key[:]),
		writer:   w,
	}, nil
}

// bindAttachments implements spec.md §4.F's three-tier binding rule:
// match by filename, then by digest, then (if exactly one of each
// remains) by position; anything left over is an UPSTREAM_ERROR. Any
// unbound part's writer is left for the caller's cancelAll to release.
func bindAttachments(meta map[string]AttachmentMeta, parts []*boundPart) ([]Attachment, error) {
	var follows []string
	for name, m := range meta {
		if m.Follows {
			follows = append(follows, name)
		}
	}
	if len(follows) == 0 {
		return nil, nil
	}

	byFilename := make(map[string]*boundPart)
	byDigest := make(map[string]*boundPart)
	for _, p := range parts {
		if p.filename != "" {
			byFilename[p.filename] = p
		}
		byDigest[p.digest] = p
	}

	bound := make(map[string]*boundPart)
	var unresolved []string
	for _, name := range follows {
		m := meta[name]
		if p, ok := byFilename[name]; ok && !p.bound {
			bound[name] = p
			p.bound = true
			continue
		}
		if p, ok := byDigest[m.Digest]; ok && m.Digest != "" && !p.bound {
			bound[name] = p
			p.bound = true
			continue
		}
		unresolved = append(unresolved, name)
	}

	if len(unresolved) > 0 {
		var remaining []*boundPart
		for _, p := range parts {
			if !p.bound {
				remaining = append(remaining, p)
			}
		}
		if len(unresolved) == 1 && len(remaining) == 1 {
			bound[unresolved[0]] = remaining[0]
			remaining[0].bound = true
			unresolved = nil
		}
	}

	if len(unresolved) > 0 {
		return nil, storeerr.Upstream(fmt.Sprintf("could not bind attachment parts: %v", unresolved))
	}

	out := make([]Attachment, 0, len(bound))
	for name, p := range bound {
		m := meta[name]
		if m.Length != 0 && m.Length != p.writer.Length() {
			return nil, storeerr.Upstream(fmt.Sprintf("attachment %q length mismatch: metadata says %d, received %d", name, m.Length, p.writer.Length()))
		}
		out = append(out, Attachment{
			Filename:    name,
			ContentType: m.ContentType,
			Length:      p.writer.Length(),
			Revpos:      m.Revpos,
			Writer:      p.writer,
		})
	}
	return out, nil
}

// ContentTypeOf is a small helper for callers building a Parse call
// directly from an *http.Response.
func ContentTypeOf(resp *http.Response) string {
	return resp.Header.Get("Content-Type")
}
