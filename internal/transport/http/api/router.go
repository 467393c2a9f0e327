package apihttp

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quantumleap/internal/app"
	"quantumleap/internal/broker"
	"quantumleap/internal/lifecycle"
	"quantumleap/internal/session"
	"quantumleap/internal/token"
)

type createConnectionRequest struct {
	UserID     string `json:"userId" binding:"required"`
	BrokerName string `json:"brokerName" binding:"required"`
	APIKey     string `json:"apiKey" binding:"required"`
	APISecret  string `json:"apiSecret" binding:"required"`
}

type ingestTokenRequest struct {
	AccessToken  string    `json:"accessToken" binding:"required"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func registerRoutes(group *gin.RouterGroup, svc *app.Service) {
	group.POST("/connections", func(c *gin.Context) {
		var req createConnectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		conn, err := svc.CreateConnection(c.Request.Context(), req.UserID, req.BrokerName, req.APIKey, req.APISecret)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"connectionId": conn.ID,
			"state":        conn.State,
		})
	})

	group.GET("/connections/:id/login-url", func(c *gin.Context) {
		url, err := svc.LoginURL(c.Request.Context(), c.Param("id"), c.Query("redirect_uri"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"loginUrl": url})
	})

	// The broker redirects here after interactive login.
	group.GET("/oauth/callback", func(c *gin.Context) {
		state := c.Query("state")
		requestCode := c.Query("request_token")
		if requestCode == "" {
			requestCode = c.Query("request_code")
		}
		if state == "" || requestCode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state and request_token are required"})
			return
		}
		conn, err := svc.CompleteOAuth(c.Request.Context(), state, requestCode)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connectionId": conn.ID,
			"state":        conn.State,
		})
	})

	group.POST("/connections/:id/token", func(c *gin.Context) {
		var req ingestTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := svc.IngestAutomationToken(c.Request.Context(), c.Param("id"), req.AccessToken, req.RefreshToken, req.ExpiresAt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group.GET("/connections/:id/status", func(c *gin.Context) {
		status, err := svc.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	group.GET("/users/:userId/status", func(c *gin.Context) {
		status, err := svc.StatusByUser(c.Request.Context(), c.Param("userId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	group.GET("/connections/:id/portfolio", func(c *gin.Context) {
		snap, err := svc.PortfolioSnapshot(c.Request.Context(), c.Param("id"), bypass(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	group.GET("/connections/:id/holdings", func(c *gin.Context) {
		holdings, cached, err := svc.Holdings(c.Request.Context(), c.Param("id"), bypass(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"holdings": holdings, "cached": cached})
	})

	group.GET("/connections/:id/positions", func(c *gin.Context) {
		positions, cached, err := svc.Positions(c.Request.Context(), c.Param("id"), bypass(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"positions": positions, "cached": cached})
	})

	group.GET("/connections/:id/orders", func(c *gin.Context) {
		orders, cached, err := svc.Orders(c.Request.Context(), c.Param("id"), bypass(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders, "cached": cached})
	})

	group.GET("/connections/:id/margins", func(c *gin.Context) {
		margins, cached, err := svc.Margins(c.Request.Context(), c.Param("id"), bypass(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"margins": margins, "cached": cached})
	})

	group.POST("/connections/:id/reconnect", func(c *gin.Context) {
		if err := svc.Reconnect(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group.DELETE("/connections/:id/session", func(c *gin.Context) {
		if err := svc.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
	})

	group.DELETE("/connections/:id", func(c *gin.Context) {
		if err := svc.DeleteConnection(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})
}

func bypass(c *gin.Context) bool {
	return c.Query("refresh") == "true" || c.Query("refresh") == "1"
}

// writeError maps service errors to HTTP statuses. Reauth conditions are
// 401 so the frontend can route the user back through login; transient
// broker failures are 503 and safe to retry.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrConnectionNotFound), errors.Is(err, token.ErrNoToken):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrReauthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "needsReauth": true})
	case errors.Is(err, lifecycle.ErrBrokerUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, app.ErrUnknownLoginState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		switch broker.Classify(err) {
		case broker.KindInvalidToken, broker.KindUnauthorized:
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "needsReauth": true})
		case broker.KindRateLimited:
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "retryable": true})
		case broker.KindNetwork:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}
