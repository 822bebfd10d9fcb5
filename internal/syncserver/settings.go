package syncserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lotas/readeasy/internal/account"
	"github.com/lotas/readeasy/internal/settings"
)

// ownerOnly reports whether the session user owns :userId and answers 401
// when not.
func ownerOnly(c *gin.Context) (string, bool) {
	userID := c.Param("userId")
	claims := claimsFrom(c)
	if claims == nil || claims.ID != userID {
		errorResponse(c, http.StatusUnauthorized, "Unauthorized: You can only access your own settings")
		return "", false
	}
	return userID, true
}

func (s *Server) getSettings(c *gin.Context) {
	userID, ok := ownerOnly(c)
	if !ok {
		return
	}
	doc, err := s.store.GetSettings(c.Request.Context(), userID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Server error getting settings")
		return
	}
	if doc == nil {
		errorResponse(c, http.StatusNotFound, "Settings not found for this user")
		return
	}
	c.JSON(http.StatusOK, doc)
}

type updateRequest struct {
	Settings settings.Patch    `json:"settings"`
	APIKeys  map[string]string `json:"apiKeys"`
}

// updateSettings merges the posted settings and API keys key-wise over the
// stored document, creating it when missing.
func (s *Server) updateSettings(c *gin.Context) {
	userID, ok := ownerOnly(c)
	if !ok {
		settingsUpdates.WithLabelValues("unauthorized").Inc()
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		settingsUpdates.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := c.Request.Context()
	doc, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		settingsUpdates.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusInternalServerError, "Server error updating settings")
		return
	}
	if doc == nil {
		doc = account.NewSettingsDoc(userID)
	}

	if req.Settings != nil {
		merged, err := settings.Merge(doc.Settings, req.Settings.Without("userId"))
		if err != nil {
			settingsUpdates.WithLabelValues("failure").Inc()
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		doc.Settings = merged
	}
	if req.APIKeys != nil {
		if doc.APIKeys == nil {
			doc.APIKeys = map[string]string{}
		}
		for k, v := range req.APIKeys {
			doc.APIKeys[k] = v
		}
	}
	doc.UpdatedAt = time.Now()

	if err := s.store.SaveSettings(ctx, doc); err != nil {
		settingsUpdates.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusInternalServerError, "Server error updating settings")
		return
	}

	settingsUpdates.WithLabelValues("success").Inc()
	c.JSON(http.StatusOK, gin.H{
		"message":  "Settings updated successfully",
		"settings": doc.Settings,
	})
}
