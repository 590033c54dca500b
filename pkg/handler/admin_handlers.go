package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psyho/psyho/pkg/api"
	"github.com/psyho/psyho/pkg/auth"
	"github.com/psyho/psyho/pkg/config"
	"github.com/psyho/psyho/pkg/csrf"
	"github.com/psyho/psyho/pkg/event"
	"github.com/psyho/psyho/pkg/messages"
	"github.com/psyho/psyho/pkg/models"
	"github.com/psyho/psyho/pkg/service"
	"github.com/psyho/psyho/pkg/urls"
)

const (
	msgLoginFailed = "Please enter the correct username and password for a staff account. Note that both fields may be case-sensitive."
	msgNotLoggedIn = "Authentication credentials were not provided."
	msgNotStaff    = "You do not have permission to access the admin site."

	recentActions = 10
)

// AdminHandler serves the JSON admin site mounted at admin/.
type AdminHandler struct {
	Site     *service.AdminSite
	Users    *service.UserService
	Settings *config.Settings
	Emitter  *event.Emitter
	Events   *event.WSHandler
	Logger   *slog.Logger
}

func NewAdminHandler(site *service.AdminSite, users *service.UserService, s *config.Settings, emitter *event.Emitter, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		Site:     site,
		Users:    users,
		Settings: s,
		Emitter:  emitter,
		Events:   event.NewWSHandler(emitter, wsOriginChecker(s), logger),
		Logger:   logger,
	}
}

// wsOriginChecker accepts same-host upgrades and origins trusted for CORS
// or CSRF.
func wsOriginChecker(s *config.Settings) func(r *http.Request) bool {
	trusted := append(append([]string(nil), s.CSRF.TrustedOrigins...), s.CORS.AllowedOrigins...)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		return csrf.OriginVerified(origin, scheme, r.Host, trusted)
	}
}

// URLs is the admin URL table, namespaced "admin" by the root table.
func (h *AdminHandler) URLs() urls.Table {
	get := http.MethodGet
	return urls.Table{
		urls.Path("", h.staff(api.Methods(map[string]gin.HandlerFunc{get: h.Index})), urls.Name("index")),
		urls.Path("login/", api.Methods(map[string]gin.HandlerFunc{get: h.LoginInfo, http.MethodPost: h.Login}), urls.Name("login")),
		urls.Path("logout/", h.staff(api.Methods(map[string]gin.HandlerFunc{http.MethodPost: h.Logout})), urls.Name("logout")),
		urls.Path("events/", h.staff(h.Events.Handle), urls.Name("events")),
		urls.Path("<str:app_label>/<str:model_name>/", h.staff(api.Methods(map[string]gin.HandlerFunc{
			get:             h.List,
			http.MethodPost: h.Add,
		})), urls.Name("changelist")),
		urls.Path("<str:app_label>/<str:model_name>/<str:object_id>/", h.staff(api.Methods(map[string]gin.HandlerFunc{
			get:               h.Detail,
			http.MethodPatch:  h.Change,
			http.MethodDelete: h.Delete,
		})), urls.Name("change")),
	}
}

// staff wraps next so only active staff users reach it.
func (h *AdminHandler) staff(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := auth.User(c)
		switch {
		case u == nil:
			api.Fail(c, http.StatusUnauthorized, msgNotLoggedIn)
		case !auth.IsStaff(c):
			api.Fail(c, http.StatusForbidden, msgNotStaff)
		default:
			next(c)
		}
	}
}

func (h *AdminHandler) sessionInfo(c *gin.Context) models.SessionInfo {
	info := models.SessionInfo{CSRFToken: csrf.GetToken(c)}
	if u := auth.User(c); u != nil {
		info.Authenticated = true
		info.Username = u.Username
		info.IsStaff = u.IsStaff && u.IsActive
	}
	return info
}

// LoginInfo returns a CSRF token and the current user state.
func (h *AdminHandler) LoginInfo(c *gin.Context) {
	api.OK(c, h.sessionInfo(c))
}

// Login signs in a staff user.
func (h *AdminHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		api.Fail(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	u, err := h.Users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, service.ErrInvalidCredentials) || (err == nil && !u.IsStaff) {
		api.Fail(c, http.StatusBadRequest, msgLoginFailed)
		return
	}
	if err != nil {
		h.Logger.Error("authenticate failed", "username", req.Username, "error", err)
		api.Fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := auth.Login(c, u, h.Settings.SecretKey); err != nil {
		h.Logger.Error("login failed", "username", u.Username, "error", err)
		api.Fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.Users.UpdateLastLogin(c.Request.Context(), u); err != nil {
		h.Logger.Warn("update last login failed", "username", u.Username, "error", err)
	}
	h.Emitter.Emit(event.LoggedInEvent{UserID: u.ID, Username: u.Username})
	api.OK(c, h.sessionInfo(c))
}

func (h *AdminHandler) Logout(c *gin.Context) {
	u := auth.User(c)
	if err := auth.Logout(c); err != nil {
		h.Logger.Error("logout failed", "error", err)
		api.Fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	h.Emitter.Emit(event.LoggedOutEvent{UserID: u.ID, Username: u.Username})
	api.OK(c, gin.H{"authenticated": false})
}

// Index lists the registered models by app, the user's recent actions
// and pending messages.
func (h *AdminHandler) Index(c *gin.Context) {
	ctx := c.Request.Context()
	resolver := urls.FromContext(c)
	var appList []models.AdminApp
	for _, m := range h.Site.Registered() {
		n, err := h.Site.Count(ctx, m)
		if err != nil {
			api.Fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		entry := models.AdminModel{Name: m.Verbose, Count: n, Fields: m.Editable}
		if resolver != nil {
			entry.URL, _ = resolver.Reverse("admin:changelist", map[string]any{"app_label": m.AppLabel, "model_name": m.Name()})
			entry.AddURL = entry.URL
		}
		if len(appList) == 0 || appList[len(appList)-1].Label != m.AppLabel {
			appList = append(appList, models.AdminApp{Label: m.AppLabel, Name: m.AppLabel})
		}
		last := &appList[len(appList)-1]
		last.Models = append(last.Models, entry)
	}
	actions, err := h.Site.RecentActions(ctx, auth.User(c).ID, recentActions)
	if err != nil {
		api.Fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	api.OK(c, gin.H{
		"apps":           appList,
		"recent_actions": actions,
		"messages":       messages.Get(c),
	})
}

func (h *AdminHandler) model(c *gin.Context) (*service.ModelAdmin, bool) {
	m, err := h.Site.Lookup(urls.Kwarg(c, "app_label"), urls.Kwarg(c, "model_name"))
	if err != nil {
		api.Fail(c, http.StatusNotFound, err.Error())
		return nil, false
	}
	return m, true
}

// List is the changelist: ?page, ?page_size, ?q (search) and ?o (ordering).
func (h *AdminHandler) List(c *gin.Context) {
	m, ok := h.model(c)
	if !ok {
		return
	}
	page, err := api.ParsePage(c)
	if err != nil {
		api.Fail(c, http.StatusNotFound, err.Error())
		return
	}
	order, err := api.Ordering(c, m.OrderingFields, "")
	if err != nil {
		api.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	rows, total, err := h.Site.List(c.Request.Context(), m, service.ListOptions{
		Search: c.Query(api.SearchParam),
		Order:  order,
		Offset: page.Offset(),
		Limit:  page.Size,
	})
	if err != nil {
		api.Fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := api.NewPage(c, page, total, rows)
	if err != nil {
		api.Fail(c, http.StatusNotFound, err.Error())
		return
	}
	api.OK(c, resp)
}

func bindValues(c *gin.Context) (map[string]any, bool) {
	var values map[string]any
	if err := c.ShouldBindJSON(&values); err != nil {
		api.Fail(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return nil, false
	}
	return values, true
}

// writeError maps admin service errors to responses.
func (h *AdminHandler) writeError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		api.Fail(c, http.StatusBadRequest, verr.Error())
	case errors.Is(err, service.ErrObjectNotFound):
		api.Fail(c, http.StatusNotFound, err.Error())
	default:
		h.Logger.Error("admin operation failed", "path", c.Request.URL.Path, "error", err)
		api.Fail(c, http.StatusInternalServerError, err.Error())
	}
}

func (h *AdminHandler) Add(c *gin.Context) {
	m, ok := h.model(c)
	if !ok {
		return
	}
	values, ok := bindValues(c)
	if !ok {
		return
	}
	obj, err := h.Site.Add(c.Request.Context(), m, auth.User(c), values)
	if err != nil {
		h.writeError(c, err)
		return
	}
	messages.Add(c, messages.Success, fmt.Sprintf("The %s %q was added successfully.", m.Verbose, m.ObjectRepr(obj)))
	api.Created(c, obj)
}

func (h *AdminHandler) Detail(c *gin.Context) {
	m, ok := h.model(c)
	if !ok {
		return
	}
	obj, err := h.Site.Get(c.Request.Context(), m, urls.Kwarg(c, "object_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, obj)
}

func (h *AdminHandler) Change(c *gin.Context) {
	m, ok := h.model(c)
	if !ok {
		return
	}
	values, ok := bindValues(c)
	if !ok {
		return
	}
	obj, changed, err := h.Site.Change(c.Request.Context(), m, auth.User(c), urls.Kwarg(c, "object_id"), values)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(changed) > 0 {
		messages.Add(c, messages.Success, fmt.Sprintf("The %s %q was changed successfully.", m.Verbose, m.ObjectRepr(obj)))
	}
	api.OK(c, gin.H{"object": obj, "changed": changed})
}

func (h *AdminHandler) Delete(c *gin.Context) {
	m, ok := h.model(c)
	if !ok {
		return
	}
	if err := h.Site.Delete(c.Request.Context(), m, auth.User(c), urls.Kwarg(c, "object_id")); err != nil {
		h.writeError(c, err)
		return
	}
	messages.Add(c, messages.Success, fmt.Sprintf("The %s was deleted successfully.", m.Verbose))
	api.OK(c, nil)
}
