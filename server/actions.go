package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/cerr"
)

// resolveElement turns a ref handle into a live rod element on the tab.
func (s *Server) resolveElement(ctx context.Context, sessionID string, tab *cdp.Tab, handle string) (*rod.Element, int, error) {
	backendID, ok := s.refs.Resolve(sessionID, tab.ID, handle)
	if !ok {
		return nil, 0, cerr.New(cerr.KindRefStale, "unknown element reference %q", handle)
	}

	page := tab.Page().Context(ctx)
	res, err := proto.DOMResolveNode{
		BackendNodeID: proto.DOMBackendNodeID(backendID),
	}.Call(page)
	if err != nil {
		return nil, 0, cdp.MapError(fmt.Errorf("server: resolve node %d: %w", backendID, err))
	}
	el, err := page.ElementFromObject(res.Object)
	if err != nil {
		return nil, 0, cdp.MapError(fmt.Errorf("server: element from object: %w", err))
	}
	return el, backendID, nil
}

// validateRef checks a ref against the live element before acting on it.
// A mismatch is a hard error carrying what the ref used to point at, so
// the caller can re-find. A merely old ref that still matches is only
// logged. Numeric handles carry no recorded shape and pass trivially.
func (s *Server) validateRef(sessionID, tabID, handle string, el *rod.Element) error {
	entry, ok := s.refs.Lookup(sessionID, tabID, handle)
	if !ok {
		return nil
	}
	tag := ""
	if info, err := el.Describe(0, false); err == nil {
		tag = info.LocalName
	}
	text := ""
	if t, err := el.Text(); err == nil {
		text = t
	}
	v := s.refs.Validate(sessionID, tabID, entry.Ref, tag, text)
	if !v.Valid {
		return cerr.New(cerr.KindRefStale,
			"element %s no longer matches: %s (was <%s> %q; re-run find_element for a fresh reference)",
			entry.Ref, v.Reason, entry.Tag, entry.TextPrefix)
	}
	if v.Stale {
		s.logger.Warn("acting on an aged element reference",
			"session", sessionID, "tab", tabID, "ref", entry.Ref,
			"age", time.Since(entry.CreatedAt))
	}
	return nil
}

func clickElement(el *rod.Element) error {
	if err := el.ScrollIntoView(); err != nil {
		return cdp.MapError(fmt.Errorf("server: scroll into view: %w", err))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return cdp.MapError(fmt.Errorf("server: click: %w", err))
	}
	return nil
}

func typeText(el *rod.Element, text string, clear bool) error {
	if err := el.Focus(); err != nil {
		return cdp.MapError(fmt.Errorf("server: focus: %w", err))
	}
	if clear {
		if err := el.SelectAllText(); err == nil {
			_ = el.Type(input.Backspace)
		}
	}
	if err := el.Input(text); err != nil {
		return cdp.MapError(fmt.Errorf("server: input: %w", err))
	}
	return nil
}

// screenshot captures the viewport (or the full page) as base64 PNG.
func screenshot(ctx context.Context, tab *cdp.Tab, fullPage bool) (string, error) {
	page := tab.Page().Context(ctx)
	data, err := page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", cdp.MapError(fmt.Errorf("server: screenshot: %w", err))
	}
	return base64Encode(data), nil
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// printPDF renders the page to PDF and validates the result before
// returning it: Chrome occasionally emits a torn stream when the renderer
// is busy, and a corrupt artifact is worse than a retried call. Returns
// the bytes and the validated page count.
func printPDF(ctx context.Context, tab *cdp.Tab, landscape bool) ([]byte, int, error) {
	page := tab.Page().Context(ctx)
	stream, err := page.PDF(&proto.PagePrintToPDF{
		Landscape:       landscape,
		PrintBackground: true,
	})
	if err != nil {
		return nil, 0, cdp.MapError(fmt.Errorf("server: print pdf: %w", err))
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, 0, fmt.Errorf("server: read pdf stream: %w", err)
	}
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return nil, 0, fmt.Errorf("server: pdf validation: %w", err)
	}
	return data, pdfCtx.PageCount, nil
}
