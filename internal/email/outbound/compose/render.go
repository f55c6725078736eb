package compose

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

// File is one loaded attachment.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Loader resolves an attachment reference into one or more files.
type Loader interface {
	Load(ctx context.Context, ref string) ([]File, error)
}

// Renderer turns a Message into RFC 5322 bytes.
type Renderer struct {
	loader Loader
	now    func() time.Time
}

// RendererOption customizes a Renderer.
type RendererOption func(*Renderer)

// WithClock overrides the Date header source.
func WithClock(now func() time.Time) RendererOption {
	return func(r *Renderer) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRenderer returns a renderer that loads attachments with loader.
func NewRenderer(loader Loader, opts ...RendererOption) *Renderer {
	r := &Renderer{loader: loader, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render writes the message. Messages without attachments are a single
// inline part; otherwise the body is the first part of a multipart/mixed.
func (r *Renderer) Render(ctx context.Context, m *Message) ([]byte, error) {
	var files []File
	for _, ref := range m.attachments {
		if r.loader == nil {
			return nil, mailerr.Fatal("render", fmt.Errorf("no attachment loader for %q", ref))
		}
		loaded, err := r.loader.Load(ctx, ref)
		if err != nil {
			return nil, err
		}
		files = append(files, loaded...)
	}

	h := r.header(m)
	var buf bytes.Buffer
	if len(m.attachments) == 0 {
		h.SetContentType(m.contentType, map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, mailerr.Fatal("render", err)
		}
		if err := writeAndClose(w, []byte(m.body)); err != nil {
			return nil, mailerr.Fatal("render body", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, mailerr.Fatal("render", err)
	}
	var ih mail.InlineHeader
	ih.SetContentType(m.contentType, map[string]string{"charset": "utf-8"})
	bw, err := mw.CreateSingleInline(ih)
	if err != nil {
		return nil, mailerr.Fatal("render body", err)
	}
	if err := writeAndClose(bw, []byte(m.body)); err != nil {
		return nil, mailerr.Fatal("render body", err)
	}
	for _, f := range files {
		var ah mail.AttachmentHeader
		ah.SetFilename(f.Name)
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, mailerr.Fatal("render attachment "+f.Name, err)
		}
		if err := writeAndClose(aw, f.Data); err != nil {
			return nil, mailerr.Fatal("render attachment "+f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, mailerr.Fatal("render", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) header(m *Message) mail.Header {
	var h mail.Header
	h.SetDate(r.now())
	for _, f := range m.headers {
		switch {
		case strings.EqualFold(f.Name, "Bcc"):
			continue
		case strings.EqualFold(f.Name, "Subject"):
			h.SetSubject(f.Value)
		default:
			h.Set(f.Name, f.Value)
		}
	}
	if !h.Has("Message-Id") {
		_ = h.GenerateMessageID()
	}
	return h
}

func writeAndClose(w io.WriteCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
