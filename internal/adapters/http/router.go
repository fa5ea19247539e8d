package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/config"
	"github.com/dkeye/groupcall/internal/domain"
)

const opTimeout = 5 * time.Second

var errNoActiveCall = errors.New("no active call")

// Runner executes fn on the session scheduler and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

type callView struct {
	Call         domain.CallRef `json:"call"`
	Phase        string         `json:"phase"`
	State        string         `json:"state"`
	Mute         string         `json:"mute"`
	Source       domain.Source  `json:"source"`
	Connected    bool           `json:"connected"`
	Participants int            `json:"participants"`
}

func viewOf(s *app.Session) callView {
	v := callView{
		Call:      s.Call(),
		Phase:     s.Phase().String(),
		State:     s.State().String(),
		Mute:      s.Muted().String(),
		Source:    s.Source(),
		Connected: s.Connected(),
	}
	if r := s.Roster(); r != nil {
		v.Participants = r.FullCount()
	}
	return v
}

type startRequest struct {
	Chat        string         `json:"chat"`
	Call        domain.CallRef `json:"call"`
	JoinMuted   bool           `json:"join_muted"`
	CanManage   bool           `json:"can_manage"`
	StartActive bool           `json:"start_active"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type inviteRequest struct {
	Users []string `json:"users"`
}

type devicesRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type controller struct {
	runner Runner
	client *app.Client
}

// run executes fn on the scheduler and maps its error to a response.
func (h *controller) run(c *gin.Context, fn func() (any, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), opTimeout)
	defer cancel()

	var (
		body any
		err  error
	)
	if doErr := h.runner.Do(ctx, func() { body, err = fn() }); doErr != nil {
		log.Error().Err(doErr).Str("module", "adapters.http").Msg("scheduler unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": doErr.Error()})
		return
	}
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	if body == nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errNoActiveCall), errors.Is(err, app.ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, app.ErrForceMuted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUserIDEmpty), errors.Is(err, domain.ErrUserIDTooLong):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *controller) active() (*app.Session, error) {
	s, ok := h.client.Active()
	if !ok {
		return nil, errNoActiveCall
	}
	return s, nil
}

func SetupRouter(cfg *config.Config, runner Runner, client *app.Client) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &controller{runner: runner, client: client}

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := r.Group("/api")

	// GET /api/call: state of the active call
	api.GET("/call", func(c *gin.Context) {
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			return viewOf(s), nil
		})
	})

	// POST /api/call: create a call in a chat or join an existing one
	api.POST("/call", func(c *gin.Context) {
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil || (req.Chat == "" && req.Call.IsZero()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "chat or call required"})
			return
		}
		h.run(c, func() (any, error) {
			s := h.client.StartCall(app.StartOptions{
				Chat:        req.Chat,
				Call:        req.Call,
				JoinMuted:   req.JoinMuted,
				CanManage:   req.CanManage,
				StartActive: req.StartActive,
			})
			return viewOf(s), nil
		})
	})

	api.POST("/call/mute", func(c *gin.Context) {
		var req muteRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "muted required"})
			return
		}
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			if err := s.SetMuted(*req.Muted); err != nil {
				return nil, err
			}
			return viewOf(s), nil
		})
	})

	api.POST("/call/hangup", func(c *gin.Context) {
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			s.Hangup()
			return nil, nil
		})
	})

	api.POST("/call/discard", func(c *gin.Context) {
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			s.Discard()
			return nil, nil
		})
	})

	api.POST("/call/invite", func(c *gin.Context) {
		var req inviteRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.Users) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "users required"})
			return
		}
		users, err := domain.ParseUserIDs(req.Users)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			res, err := s.InviteUsers(users)
			if err != nil {
				return nil, err
			}
			return gin.H{"user": res.User, "count": res.Count}, nil
		})
	})

	api.GET("/call/participants", func(c *gin.Context) {
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			roster := s.Roster()
			if roster == nil {
				return nil, app.ErrNoCall
			}
			return gin.H{
				"participants": roster.Participants(),
				"count":        roster.FullCount(),
				"loaded":       roster.ParticipantsLoaded(),
				"version":      roster.Version(),
			}, nil
		})
	})

	api.POST("/call/participants/more", func(c *gin.Context) {
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			return nil, s.RequestMoreParticipants()
		})
	})

	// POST /api/call/members/:user/mute: mute or unmute another participant
	api.POST("/call/members/:user/mute", func(c *gin.Context) {
		user, err := domain.ParseUserID(c.Param("user"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req muteRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Muted == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "muted required"})
			return
		}
		h.run(c, func() (any, error) {
			s, err := h.active()
			if err != nil {
				return nil, err
			}
			return nil, s.ToggleMute(user, *req.Muted)
		})
	})

	api.POST("/call/devices", func(c *gin.Context) {
		var req devicesRequest
		if err := c.ShouldBindJSON(&req); err != nil || (req.Input == "" && req.Output == "") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "input or output required"})
			return
		}
		h.run(c, func() (any, error) {
			h.client.SetAudioDevices(req.Input, req.Output)
			return nil, nil
		})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
