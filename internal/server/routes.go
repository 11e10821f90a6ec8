package server

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/uclink/internal/journal"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/sender"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type linkView struct {
	Name         string `json:"name"`
	Connected    bool   `json:"connected"`
	SendState    string `json:"send_state"`
	Decoded      uint64 `json:"packets_decoded"`
	Invalid      uint64 `json:"packets_invalid"`
	DroppedBytes uint64 `json:"dropped_bytes"`
	Overflows    uint64 `json:"overflows"`
	Staged       int    `json:"staged_bytes"`
	Received     int64  `json:"stream_received"`
	Expected     uint64 `json:"stream_expected"`
}

func viewOf(st session.Stats) linkView {
	return linkView{
		Name:         st.Name,
		Connected:    st.Connected,
		SendState:    st.SendState.String(),
		Decoded:      st.Reassembler.Decoded,
		Invalid:      st.Reassembler.Invalid,
		DroppedBytes: st.Reassembler.DroppedBytes,
		Overflows:    st.Reassembler.Overflows,
		Staged:       st.Reassembler.Staged,
		Received:     st.Reassembler.Received,
		Expected:     st.Reassembler.Expected,
	}
}

type transferView struct {
	ID         string     `json:"id"`
	Link       string     `json:"link"`
	Direction  string     `json:"direction"`
	Major      string     `json:"major"`
	Minor      uint8      `json:"minor"`
	Total      uint64     `json:"total"`
	Done       uint64     `json:"done"`
	Retries    int        `json:"retries"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type sendRequest struct {
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
	Payload string `json:"payload"`
	Stream  bool   `json:"stream"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.opts.Name,
			"links":   len(s.hub.Links()),
		})
	})

	s.router.GET("/links", func(c *gin.Context) {
		stats := s.hub.Stats()
		out := make([]linkView, len(stats))
		for i, st := range stats {
			out[i] = viewOf(st)
		}
		c.JSON(http.StatusOK, out)
	})

	s.router.GET("/links/:name", func(c *gin.Context) {
		l, ok := s.hub.Link(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "link not found"})
			return
		}
		c.JSON(http.StatusOK, viewOf(l.Stats()))
	})

	s.router.POST("/links/:name/reset", s.requireToken, func(c *gin.Context) {
		l, ok := s.hub.Link(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "link not found"})
			return
		}
		if err := l.Reset(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reset"})
	})

	s.router.POST("/links/:name/send", s.requireToken, s.handleSend)

	s.router.GET("/transfers", func(c *gin.Context) {
		if s.journal == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		entries, err := s.journal.List(journal.Query{
			Link:   c.Query("link"),
			Status: journal.Status(c.Query("status")),
			Limit:  limit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]transferView, len(entries))
		for i, e := range entries {
			out[i] = transferView{
				ID: e.ID.String(), Link: e.Link, Direction: e.Direction.String(),
				Major: e.Major.String(), Minor: e.Minor, Total: e.Total, Done: e.Done,
				Retries: e.Retries, Status: string(e.Status), Error: e.Error,
				StartedAt: e.StartedAt, FinishedAt: e.FinishedAt,
			}
		}
		c.JSON(http.StatusOK, out)
	})

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) handleSend(c *gin.Context) {
	l, ok := s.hub.Link(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "link not found"})
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Major < 0 || req.Major > 255 || req.Minor < 0 || req.Minor > 255 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "major and minor must be 0..255"})
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be hex: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.SendTimeout)
	defer cancel()
	major := packet.MajorKey(req.Major)
	if req.Stream {
		if err := l.SendStream(ctx, major, payload); err != nil {
			c.JSON(sendStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "done", "bytes": len(payload)})
		return
	}
	h, err := l.Submit(major, uint8(req.Minor), payload)
	if err != nil {
		c.JSON(sendStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err := h.Wait(ctx); err != nil {
		c.JSON(sendStatus(err), gin.H{"id": h.ID().String(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": h.ID().String(), "status": h.State().String(), "chunks": h.Chunks()})
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, sender.ErrBusy), errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrControlKey):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
