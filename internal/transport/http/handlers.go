package http

import (
	"net/http"
	"slices"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ProfileResponse is one directory entry with its presence.
type ProfileResponse struct {
	domain.Profile
	Online bool `json:"online"`
}

type Handlers struct {
	Profiles core.ProfileDirectory
	// Online lists participants with a registered websocket.
	Online func() []domain.ParticipantID
}

func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.GET("/healthz", handlerHealthz)
	rg.GET("/profiles", h.handlerProfiles)
}

func handlerHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) handlerProfiles(c *gin.Context) {
	list, err := h.Profiles.List(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("module", "transport.http").Msg("list profiles")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profiles unavailable"})
		return
	}
	var online []domain.ParticipantID
	if h.Online != nil {
		online = h.Online()
	}
	resp := make([]ProfileResponse, 0, len(list))
	for _, p := range list {
		resp = append(resp, ProfileResponse{Profile: p, Online: slices.Contains(online, p.ID)})
	}
	c.JSON(http.StatusOK, resp)
}
