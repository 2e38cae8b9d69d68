package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/openchrome/audit"
	"github.com/hazyhaar/openchrome/cdp"
	"github.com/hazyhaar/openchrome/delta"
	"github.com/hazyhaar/openchrome/dom"
	"github.com/hazyhaar/openchrome/finder"
	"github.com/hazyhaar/openchrome/kit"
	"github.com/hazyhaar/openchrome/pagetext"
)

// RegisterMCP registers every browser tool on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerCreateSessionTool(srv)
	s.registerCleanupSessionTool(srv)
	s.registerCreateTabTool(srv)
	s.registerCloseTabTool(srv)
	s.registerListTabsTool(srv)
	s.registerNavigateTool(srv)
	s.registerReadPageTool(srv)
	s.registerFindElementTool(srv)
	s.registerClickTool(srv)
	s.registerTypeTool(srv)
	s.registerEvaluateTool(srv)
	s.registerScreenshotTool(srv)
	s.registerPDFTool(srv)
	s.registerStorageSaveTool(srv)
	s.registerStorageRestoreTool(srv)
	s.registerClearQueueTool(srv)
}

// wrap applies the shared endpoint middleware to a tool endpoint.
func (s *Server) wrap(name string, e kit.Endpoint) kit.Endpoint {
	if s.auditor == nil {
		return e
	}
	return audit.Middleware(s.auditor, name)(e)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func decodeInto[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// sessionProp is shared by every tab-scoped tool.
var sessionProp = map[string]any{"type": "string", "description": "Session identifier"}
var tabProp = map[string]any{"type": "string", "description": "Tab identifier returned by browser_create_tab"}

// --- create_session ---

type createSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
}

func (s *Server) registerCreateSessionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_create_session",
		Description: "Create (or return) an isolated browser session. Tabs and element references are scoped to it.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Reuse this id; minted when omitted"},
			"worker_id":  map[string]any{"type": "string", "description": "Owning worker group"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*createSessionRequest)
		sess := s.sessions.Create(r.SessionID, r.WorkerID)
		return map[string]any{
			"sessionId": sess.ID,
			"workerId":  sess.WorkerID,
			"createdAt": sess.CreatedAt,
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[createSessionRequest])
}

// --- cleanup_session ---

type sessionOnlyRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) registerCleanupSessionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_cleanup_session",
		Description: "Destroy a session: cancel queued work, release its tabs, clear its element references.",
		InputSchema: inputSchema(map[string]any{"session_id": sessionProp}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*sessionOnlyRequest)
		if err := s.sessions.Cleanup(ctx, r.SessionID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "cleaned", "sessionId": r.SessionID}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[sessionOnlyRequest])
}

// --- create_tab ---

type createTabRequest struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
}

func (s *Server) registerCreateTabTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_create_tab",
		Description: "Open a tab in a session, optionally navigating it. Returns the tab id for later calls.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp,
			"url":        map[string]any{"type": "string", "description": "Navigate here after opening"},
			"worker_id":  map[string]any{"type": "string", "description": "Opaque label for the agent driving this tab"},
		}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*createTabRequest)
		tab, err := s.sessions.CreateTab(ctx, r.SessionID, r.URL, r.WorkerID)
		if err != nil {
			return nil, err
		}
		sess, err := s.sessions.Get(r.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"tabId":    tab.ID,
			"workerId": sess.TabWorker(tab.ID),
			"url":      r.URL,
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[createTabRequest])
}

// --- close_tab / list_tabs ---

type tabRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
}

func (s *Server) registerCloseTabTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_close_tab",
		Description: "Close a session's tab and drop its element references.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
		}, []string{"session_id", "tab_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*tabRequest)
		if err := s.sessions.CloseTab(ctx, r.SessionID, r.TabID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "closed", "tabId": r.TabID}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[tabRequest])
}

func (s *Server) registerListTabsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_list_tabs",
		Description: "List the tabs owned by a session.",
		InputSchema: inputSchema(map[string]any{"session_id": sessionProp}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*sessionOnlyRequest)
		sess, err := s.sessions.Get(r.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabs": sess.TabIDs()}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[sessionOnlyRequest])
}

// --- navigate ---

type navigateRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	URL       string `json:"url"`
}

func (s *Server) registerNavigateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_navigate",
		Description: "Navigate a tab and wait for the page to load.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"url": map[string]any{"type": "string", "description": "Destination URL"},
		}, []string{"session_id", "tab_id", "url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*navigateRequest)
		return s.sessions.Run(ctx, r.SessionID, "navigate", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			page := tab.Page().Context(ctx)
			if err := page.Navigate(r.URL); err != nil {
				return nil, cdp.MapError(fmt.Errorf("server: navigate: %w", err))
			}
			if err := page.WaitLoad(); err != nil {
				return nil, cdp.MapError(fmt.Errorf("server: wait load: %w", err))
			}
			info, _ := page.Info()
			res := map[string]string{"url": r.URL}
			if info != nil {
				res["url"] = info.URL
				res["title"] = info.Title
			}
			return res, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[navigateRequest])
}

// --- read_page ---

type readPageRequest struct {
	SessionID       string `json:"session_id"`
	TabID           string `json:"tab_id"`
	Mode            string `json:"mode,omitempty"`
	Depth           int    `json:"depth,omitempty"`
	MaxChars        int    `json:"max_chars,omitempty"`
	InteractiveOnly bool   `json:"interactive_only,omitempty"`
}

func (s *Server) registerReadPageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "browser_read_page",
		Description: "Read a tab's content. Mode 'dom' (default) renders an " +
			"indexed element tree whose [ids] can be clicked or typed into; " +
			"'markdown', 'text', 'html' and 'links' convert the page body.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"mode":             map[string]any{"type": "string", "enum": []any{"dom", "markdown", "text", "html", "links"}},
			"depth":            map[string]any{"type": "integer", "description": "DOM mode: limit tree depth"},
			"max_chars":        map[string]any{"type": "integer", "description": "Output budget (default 50000)"},
			"interactive_only": map[string]any{"type": "boolean", "description": "DOM mode: only actionable elements"},
		}, []string{"session_id", "tab_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*readPageRequest)
		return s.sessions.Run(ctx, r.SessionID, "read_page", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			if r.Mode == "" || r.Mode == "dom" {
				opts := dom.DefaultOptions()
				if r.Depth > 0 {
					opts.MaxDepth = r.Depth
				}
				if r.MaxChars > 0 {
					opts.MaxOutputChars = r.MaxChars
				}
				opts.InteractiveOnly = r.InteractiveOnly
				res, err := dom.Serialize(ctx, tab, opts)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"content":   res.Content,
					"pageStats": res.PageStats,
					"truncated": res.Truncated,
				}, nil
			}

			page := tab.Page().Context(ctx)
			raw, err := page.HTML()
			if err != nil {
				return nil, cdp.MapError(fmt.Errorf("server: page html: %w", err))
			}
			info, _ := page.Info()
			baseURL := ""
			if info != nil {
				baseURL = info.URL
			}
			content, err := pagetext.Convert(raw, pagetext.Mode(r.Mode), baseURL)
			if err != nil {
				return nil, err
			}
			if r.MaxChars > 0 && len(content) > r.MaxChars {
				content = content[:r.MaxChars]
			}
			return map[string]any{"content": content}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[readPageRequest])
}

// --- find_element ---

type findElementRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Query     string `json:"query"`
}

func (s *Server) registerFindElementTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_find_element",
		Description: "Find the element best matching a natural-language description. Returns a ref usable with click and type.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"query": map[string]any{"type": "string", "description": "What to look for, e.g. 'the submit button'"},
		}, []string{"session_id", "tab_id", "query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*findElementRequest)
		return s.sessions.Run(ctx, r.SessionID, "find_element", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			match, err := finder.Find(ctx, tab, r.Query)
			if err != nil {
				return nil, err
			}
			ref := s.refs.Generate(r.SessionID, tab.ID, match.BackendID, match.Role, match.Name, match.Tag, match.Text)
			return map[string]any{
				"ref":           ref,
				"backendNodeId": match.BackendID,
				"name":          match.Name,
				"role":          match.Role,
				"tag":           match.Tag,
				"score":         match.Score,
				"x":             match.X,
				"y":             match.Y,
			}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[findElementRequest])
}

// --- click ---

type clickRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Element   string `json:"element"`
}

func (s *Server) registerClickTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_click",
		Description: "Click an element and report what changed on the page.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"element": map[string]any{"type": "string", "description": "ref_N from find_element, or a [backendNodeId] from read_page"},
		}, []string{"session_id", "tab_id", "element"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*clickRequest)
		return s.sessions.Run(ctx, r.SessionID, "click", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			res, err := delta.WithDelta(ctx, tab, func(ctx context.Context) (any, error) {
				el, _, err := s.resolveElement(ctx, r.SessionID, tab, r.Element)
				if err != nil {
					return nil, err
				}
				if err := s.validateRef(r.SessionID, tab.ID, r.Element, el); err != nil {
					return nil, err
				}
				return nil, clickElement(el)
			}, delta.Options{Logger: s.logger})
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "clicked", "delta": res.Delta}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[clickRequest])
}

// --- type ---

type typeRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Element   string `json:"element"`
	Text      string `json:"text"`
	Clear     bool   `json:"clear,omitempty"`
}

func (s *Server) registerTypeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_type",
		Description: "Type text into an input element, optionally clearing it first. Reports what changed.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"element": map[string]any{"type": "string", "description": "ref_N or [backendNodeId]"},
			"text":    map[string]any{"type": "string"},
			"clear":   map[string]any{"type": "boolean", "description": "Clear existing value first"},
		}, []string{"session_id", "tab_id", "element", "text"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*typeRequest)
		return s.sessions.Run(ctx, r.SessionID, "type", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			res, err := delta.WithDelta(ctx, tab, func(ctx context.Context) (any, error) {
				el, _, err := s.resolveElement(ctx, r.SessionID, tab, r.Element)
				if err != nil {
					return nil, err
				}
				return nil, typeText(el, r.Text, r.Clear)
			}, delta.Options{Logger: s.logger})
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "typed", "delta": res.Delta}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[typeRequest])
}

// --- evaluate ---

type evaluateRequest struct {
	SessionID  string `json:"session_id"`
	TabID      string `json:"tab_id"`
	Expression string `json:"expression"`
}

func (s *Server) registerEvaluateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_evaluate",
		Description: "Evaluate a JavaScript expression or arrow function in the page and return its JSON value.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"expression": map[string]any{"type": "string", "description": "Expression or () => {...} function"},
		}, []string{"session_id", "tab_id", "expression"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*evaluateRequest)
		return s.sessions.Run(ctx, r.SessionID, "evaluate", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			obj, err := tab.Page().Context(ctx).Eval(wrapExpression(r.Expression))
			if err != nil {
				return nil, cdp.MapError(fmt.Errorf("server: evaluate: %w", err))
			}
			return map[string]any{"value": obj.Value.Val()}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[evaluateRequest])
}

// wrapExpression turns a bare expression into the function form the
// evaluator requires; functions pass through untouched.
func wrapExpression(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "function") || strings.HasPrefix(trimmed, "async") {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "(") && strings.Contains(trimmed, "=>") {
		return trimmed
	}
	return "() => (" + trimmed + ")"
}

// --- screenshot ---

type screenshotRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	FullPage  bool   `json:"full_page,omitempty"`
}

func (s *Server) registerScreenshotTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_screenshot",
		Description: "Capture the tab as a base64 PNG.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"full_page": map[string]any{"type": "boolean", "description": "Capture beyond the viewport"},
		}, []string{"session_id", "tab_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*screenshotRequest)
		return s.sessions.Run(ctx, r.SessionID, "screenshot", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			data, err := screenshot(ctx, tab, r.FullPage)
			if err != nil {
				return nil, err
			}
			return map[string]string{"format": "png", "data": data}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[screenshotRequest])
}

// --- pdf ---

type pdfRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Landscape bool   `json:"landscape,omitempty"`
}

func (s *Server) registerPDFTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_pdf",
		Description: "Render the tab to a validated PDF, returned base64-encoded.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"landscape": map[string]any{"type": "boolean"},
		}, []string{"session_id", "tab_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pdfRequest)
		return s.sessions.Run(ctx, r.SessionID, "pdf", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			data, pages, err := printPDF(ctx, tab, r.Landscape)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"format": "pdf",
				"pages":  pages,
				"data":   base64Encode(data),
			}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[pdfRequest])
}

// --- storage ---

type storageRequest struct {
	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id"`
	Path      string `json:"path"`
}

func (s *Server) registerStorageSaveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_storage_save",
		Description: "Save the tab's cookies and localStorage to a file for a later restore.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"path": map[string]any{"type": "string", "description": "Destination file"},
		}, []string{"session_id", "tab_id", "path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*storageRequest)
		return s.sessions.Run(ctx, r.SessionID, "storage_save", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			if err := s.storage.Save(ctx, tab, r.Path); err != nil {
				return nil, err
			}
			return map[string]string{"status": "saved", "path": r.Path}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[storageRequest])
}

func (s *Server) registerStorageRestoreTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_storage_restore",
		Description: "Restore previously saved cookies and localStorage into the tab. Expired cookies are dropped.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionProp, "tab_id": tabProp,
			"path": map[string]any{"type": "string", "description": "File written by browser_storage_save"},
		}, []string{"session_id", "tab_id", "path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*storageRequest)
		return s.sessions.Run(ctx, r.SessionID, "storage_restore", func(ctx context.Context) (any, error) {
			tab, err := s.sessions.GetTab(r.SessionID, r.TabID)
			if err != nil {
				return nil, err
			}
			restored, err := s.storage.Restore(ctx, tab, r.Path)
			if err != nil {
				return nil, err
			}
			return map[string]any{"restored": restored, "path": r.Path}, nil
		})
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[storageRequest])
}

// --- clear_queue ---

func (s *Server) registerClearQueueTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "browser_clear_queue",
		Description: "Cancel a session's pending operations, including the one currently running.",
		InputSchema: inputSchema(map[string]any{"session_id": sessionProp}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*sessionOnlyRequest)
		n := s.queues.Clear(r.SessionID)
		return map[string]any{"cancelled": n}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.wrap(tool.Name, endpoint), decodeInto[sessionOnlyRequest])
}
