package consult

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telehealth/consult/internal/platform/auth"
	"github.com/telehealth/consult/pkg/pagination"
)

// MediaTokenIssuer mints credentials for the external media SDK.
type MediaTokenIssuer interface {
	AppID() uint32
	IssueToken(userID string) (string, time.Time, error)
}

type Handler struct {
	mm     *Matchmaker
	tokens MediaTokenIssuer
}

// NewHandler exposes the matchmaker's state over HTTP. tokens may be nil, in
// which case the media-token endpoint answers 503.
func NewHandler(mm *Matchmaker, tokens MediaTokenIssuer) *Handler {
	return &Handler{mm: mm, tokens: tokens}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/presence", h.GetPresence, auth.RequireRole("admin", "doctor"))
	api.GET("/consultations", h.ListConsultations, auth.RequireRole("admin"))
	api.GET("/consultations/:roomId", h.GetConsultation)
	api.POST("/consultations/:roomId/media-token", h.IssueMediaToken)
}

type presenceResponse struct {
	Connections    int `json:"connections"`
	Doctors        int `json:"doctors"`
	Patients       int `json:"patients"`
	PendingInvites int `json:"pendingInvites"`
	LiveSessions   int `json:"liveSessions"`
}

func (h *Handler) GetPresence(c echo.Context) error {
	counts := h.mm.PresenceCounts()
	return c.JSON(http.StatusOK, presenceResponse{
		Connections:    counts[RoleDoctor] + counts[RolePatient],
		Doctors:        counts[RoleDoctor],
		Patients:       counts[RolePatient],
		PendingInvites: h.mm.PendingInvites(),
		LiveSessions:   len(h.mm.Sessions()),
	})
}

func (h *Handler) ListConsultations(c echo.Context) error {
	pg := pagination.FromContext(c)
	all := h.mm.Sessions()
	start, end := pg.Window(len(all))
	resp := pagination.NewResponse(all[start:end], len(all), pg).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetConsultation(c echo.Context) error {
	s, err := h.participantSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

type mediaTokenResponse struct {
	Token     string    `json:"token"`
	AppID     uint32    `json:"appId"`
	RoomID    RoomID    `json:"roomId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) IssueMediaToken(c echo.Context) error {
	if h.tokens == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "media tokens are not configured")
	}
	s, err := h.participantSession(c)
	if err != nil {
		return err
	}

	userID := auth.UserIDFromContext(c.Request().Context())
	if !s.HasParticipant(userID) {
		return echo.NewHTTPError(http.StatusForbidden, "only participants may join the media room")
	}

	token, exp, err := h.tokens.IssueToken(userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, mediaTokenResponse{
		Token:     token,
		AppID:     h.tokens.AppID(),
		RoomID:    s.RoomID,
		UserID:    userID,
		ExpiresAt: exp,
	})
}

// participantSession loads the session named in the path and checks that the
// caller is one of its participants or an admin.
func (h *Handler) participantSession(c echo.Context) (Session, error) {
	roomID := RoomID(c.Param("roomId"))
	s, ok := h.mm.Session(roomID)
	if !ok {
		return Session{}, echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	}

	ctx := c.Request().Context()
	if s.HasParticipant(auth.UserIDFromContext(ctx)) {
		return s, nil
	}
	if auth.HasRole(auth.RolesFromContext(ctx)) {
		return s, nil
	}
	return Session{}, echo.NewHTTPError(http.StatusForbidden, "not a participant of this consultation")
}
