package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// maxRequestBytes bounds the body of a POST /invoke request.
const maxRequestBytes = 4 << 20

// Handler returns an http.Handler serving the host on every transport:
// GET /catalog and POST /invoke for plain JSON, /ws for WebSocket frames and
// /mcp for streamable MCP.
func (h *Host) Handler(log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+toolservice.PathCatalog, h.handleCatalog)
	mux.HandleFunc("POST "+toolservice.PathInvoke, h.handleInvoke)
	mux.HandleFunc("GET "+toolservice.PathWS, func(w http.ResponseWriter, r *http.Request) {
		h.handleWS(w, r, log)
	})
	mux.Handle(toolservice.PathMCP, h.MCPHandler())

	return mux
}

func (h *Host) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog())
}

func (h *Host) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req toolservice.Request

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, toolservice.Failure(toolservice.CategoryValidation, "decode request: "+err.Error(), nil))
		return
	}

	writeJSON(w, http.StatusOK, h.Invoke(r.Context(), req))
}

// handleWS serves one WebSocket. Each request frame is handled in its own
// goroutine and answered with a frame carrying the same ID.
func (h *Host) handleWS(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.WarnContext(r.Context(), "toolhost: websocket accept failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = conn.CloseNow()
	}()

	for {
		var f toolservice.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				log.DebugContext(ctx, "toolhost: websocket read ended", "error", err)
			}
			return
		}

		wg.Go(func() {
			reply := h.answer(ctx, f)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				log.DebugContext(ctx, "toolhost: websocket write failed", "id", f.ID, "error", err)
			}
		})
	}
}

func (h *Host) answer(ctx context.Context, f toolservice.Frame) toolservice.Frame {
	switch f.Type {
	case toolservice.FrameCatalog:
		cat := h.Catalog()
		return toolservice.Frame{ID: f.ID, Type: toolservice.FrameResult, Catalog: &cat}
	case toolservice.FrameInvoke:
		if f.Request == nil {
			return toolservice.Frame{ID: f.ID, Type: toolservice.FrameError, Error: "invoke frame without request"}
		}
		resp := h.Invoke(ctx, *f.Request)
		return toolservice.Frame{ID: f.ID, Type: toolservice.FrameResult, Response: &resp}
	default:
		return toolservice.Frame{ID: f.ID, Type: toolservice.FrameError, Error: "unknown frame type: " + string(f.Type)}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
