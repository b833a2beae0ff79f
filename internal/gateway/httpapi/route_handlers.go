package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/omni/internal/domain"
	"github.com/jkaninda/omni/internal/routing"
)

// **** Agent route request/response types ****

// RouteOverrides are the per-route agent settings. Nil inherits the instance default.
type RouteOverrides struct {
	AgentTimeout          *int           `json:"agentTimeout,omitempty"`
	AgentStreamMode       *bool          `json:"agentStreamMode,omitempty"`
	AgentReplyFilter      map[string]any `json:"agentReplyFilter,omitempty"`
	AgentSessionStrategy  *string        `json:"agentSessionStrategy,omitempty"`
	AgentPrefixSenderName *bool          `json:"agentPrefixSenderName,omitempty"`
	AgentWaitForMedia     *bool          `json:"agentWaitForMedia,omitempty"`
	AgentSendMediaPath    *bool          `json:"agentSendMediaPath,omitempty"`
	AgentGateEnabled      *bool          `json:"agentGateEnabled,omitempty"`
	AgentGateModel        *string        `json:"agentGateModel,omitempty"`
	AgentGatePrompt       *string        `json:"agentGatePrompt,omitempty"`
}

// RouteRequest is the JSON body for POST /v1/instances/{instanceId}/routes.
type RouteRequest struct {
	Scope           domain.RouteScope `json:"scope"`
	ChatID          *string           `json:"chatId,omitempty"`
	PersonID        *string           `json:"personId,omitempty"`
	AgentProviderID string            `json:"agentProviderId"`
	AgentID         string            `json:"agentId"`
	AgentType       domain.AgentType  `json:"agentType,omitempty"` // Default: "agent".
	RouteOverrides
	Label    string `json:"label,omitempty"`
	Priority int    `json:"priority,omitempty"`
	IsActive *bool  `json:"isActive,omitempty"` // Default: true.
}

// RouteUpdateRequest is the JSON body for PUT /v1/routes/{id}. Scope,
// chatId and personId cannot change; absent fields are left unchanged.
type RouteUpdateRequest struct {
	AgentProviderID *string           `json:"agentProviderId,omitempty"`
	AgentID         *string           `json:"agentId,omitempty"`
	AgentType       *domain.AgentType `json:"agentType,omitempty"`
	RouteOverrides
	Label    *string `json:"label,omitempty"`
	Priority *int    `json:"priority,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// RouteResponse is the JSON response for agent route endpoints.
type RouteResponse struct {
	ID              string            `json:"id"`
	InstanceID      string            `json:"instanceId"`
	Scope           domain.RouteScope `json:"scope"`
	ChatID          *string           `json:"chatId"`
	PersonID        *string           `json:"personId"`
	AgentProviderID string            `json:"agentProviderId"`
	AgentID         string            `json:"agentId"`
	AgentType       domain.AgentType  `json:"agentType"`
	RouteOverrides
	Label     string    `json:"label"`
	Priority  int       `json:"priority"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResolveResponse is the JSON response for route resolution. Route is nil
// when the instance default agent applies.
type ResolveResponse struct {
	Route   *RouteResponse `json:"route"`
	Default bool           `json:"default"`
}

func toRouteResponse(r *domain.AgentRoute) RouteResponse {
	return RouteResponse{
		ID:              r.ID.String(),
		InstanceID:      r.InstanceID,
		Scope:           r.Scope,
		ChatID:          r.ChatID,
		PersonID:        r.PersonID,
		AgentProviderID: r.AgentProviderID,
		AgentID:         r.AgentID,
		AgentType:       r.AgentType,
		RouteOverrides: RouteOverrides{
			AgentTimeout:          r.AgentTimeout,
			AgentStreamMode:       r.AgentStreamMode,
			AgentReplyFilter:      r.AgentReplyFilter,
			AgentSessionStrategy:  r.AgentSessionStrategy,
			AgentPrefixSenderName: r.AgentPrefixSenderName,
			AgentWaitForMedia:     r.AgentWaitForMedia,
			AgentSendMediaPath:    r.AgentSendMediaPath,
			AgentGateEnabled:      r.AgentGateEnabled,
			AgentGateModel:        r.AgentGateModel,
			AgentGatePrompt:       r.AgentGatePrompt,
		},
		Label:     r.Label,
		Priority:  r.Priority,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// **** Routes ****

func (g *Gateway) registerRouteRoutes() {
	if g.svc.Routes == nil {
		return
	}
	g.group.Get("/instances/{instanceId}/routes", g.handleRouteList,
		okapi.DocSummary("List agent routes of an instance"),
		okapi.DocTags("Agent Routes"),
		okapi.DocPathParam("instanceId", "string", "Channel instance ID"),
		okapi.DocResponse([]RouteResponse{}),
	)
	g.group.Post("/instances/{instanceId}/routes", g.handleRouteCreate,
		okapi.DocSummary("Create an agent route"),
		okapi.DocTags("Agent Routes"),
		okapi.DocPathParam("instanceId", "string", "Channel instance ID"),
		okapi.DocRequestBody(RouteRequest{}),
		okapi.DocResponse(http.StatusCreated, RouteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/instances/{instanceId}/routes/resolve", g.handleRouteResolve,
		okapi.DocSummary("Resolve the agent route for a chat and sender"),
		okapi.DocTags("Agent Routes"),
		okapi.DocPathParam("instanceId", "string", "Channel instance ID"),
		okapi.DocResponse(ResolveResponse{}),
	)
	g.group.Get("/routes/metrics", g.handleRouteMetrics,
		okapi.DocSummary("Route resolution cache metrics"),
		okapi.DocTags("Agent Routes"),
		okapi.DocResponse(routing.ResolverMetrics{}),
	)
	g.group.Get("/routes/{id}", g.handleRouteGet,
		okapi.DocSummary("Get an agent route by ID"),
		okapi.DocTags("Agent Routes"),
		okapi.DocPathParam("id", "string", "Route ID (UUID)"),
		okapi.DocResponse(RouteResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/routes/{id}", g.handleRouteUpdate,
		okapi.DocSummary("Update an agent route"),
		okapi.DocTags("Agent Routes"),
		okapi.DocPathParam("id", "string", "Route ID (UUID)"),
		okapi.DocRequestBody(RouteUpdateRequest{}),
		okapi.DocResponse(RouteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/routes/{id}", g.handleRouteDelete,
		okapi.DocSummary("Delete an agent route"),
		okapi.DocTags("Agent Routes"),
		okapi.DocPathParam("id", "string", "Route ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// **** Handlers ****

func (g *Gateway) handleRouteList(c *okapi.Context) error {
	filter := routing.ListFilter{Scope: domain.RouteScope(queryParam(c, "scope"))}
	switch filter.Scope {
	case "", domain.ScopeChat, domain.ScopeUser:
	default:
		return badRequest(c, "scope must be chat or user")
	}
	if v := queryParam(c, "isActive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "isActive must be true or false")
		}
		filter.IsActive = &b
	}

	routes, err := g.svc.Routes.List(c.Context(), c.Param("instanceId"), filter)
	if err != nil {
		return g.writeError(c, "listing agent routes", err)
	}
	resp := make([]RouteResponse, len(routes))
	for i := range routes {
		resp[i] = toRouteResponse(&routes[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRouteCreate(c *okapi.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	o := req.RouteOverrides
	r := &domain.AgentRoute{
		Scope:                 req.Scope,
		ChatID:                req.ChatID,
		PersonID:              req.PersonID,
		AgentProviderID:       req.AgentProviderID,
		AgentID:               req.AgentID,
		AgentType:             req.AgentType,
		AgentTimeout:          o.AgentTimeout,
		AgentStreamMode:       o.AgentStreamMode,
		AgentReplyFilter:      o.AgentReplyFilter,
		AgentSessionStrategy:  o.AgentSessionStrategy,
		AgentPrefixSenderName: o.AgentPrefixSenderName,
		AgentWaitForMedia:     o.AgentWaitForMedia,
		AgentSendMediaPath:    o.AgentSendMediaPath,
		AgentGateEnabled:      o.AgentGateEnabled,
		AgentGateModel:        o.AgentGateModel,
		AgentGatePrompt:       o.AgentGatePrompt,
		Label:                 req.Label,
		Priority:              req.Priority,
		IsActive:              active,
	}

	created, err := g.svc.Routes.Create(c.Context(), c.Param("instanceId"), r)
	if err != nil {
		return g.writeError(c, "creating agent route", err)
	}
	return c.JSON(http.StatusCreated, toRouteResponse(created))
}

func (g *Gateway) handleRouteGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid route ID")
	}
	r, err := g.svc.Routes.Get(c.Context(), id)
	if err != nil {
		return g.writeError(c, "getting agent route", err)
	}
	return c.OK(toRouteResponse(r))
}

func (g *Gateway) handleRouteUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid route ID")
	}
	var req RouteUpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	o := req.RouteOverrides
	r, err := g.svc.Routes.Update(c.Context(), id, routing.RoutePatch{
		AgentProviderID:       req.AgentProviderID,
		AgentID:               req.AgentID,
		AgentType:             req.AgentType,
		AgentTimeout:          o.AgentTimeout,
		AgentStreamMode:       o.AgentStreamMode,
		AgentReplyFilter:      o.AgentReplyFilter,
		AgentSessionStrategy:  o.AgentSessionStrategy,
		AgentPrefixSenderName: o.AgentPrefixSenderName,
		AgentWaitForMedia:     o.AgentWaitForMedia,
		AgentSendMediaPath:    o.AgentSendMediaPath,
		AgentGateEnabled:      o.AgentGateEnabled,
		AgentGateModel:        o.AgentGateModel,
		AgentGatePrompt:       o.AgentGatePrompt,
		Label:                 req.Label,
		Priority:              req.Priority,
		IsActive:              req.IsActive,
	})
	if err != nil {
		return g.writeError(c, "updating agent route", err)
	}
	return c.OK(toRouteResponse(r))
}

func (g *Gateway) handleRouteDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid route ID")
	}
	if err := g.svc.Routes.Delete(c.Context(), id); err != nil {
		return g.writeError(c, "deleting agent route", err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleRouteResolve(c *okapi.Context) error {
	chatID := queryParam(c, "chatId")
	personID := queryParam(c, "personId")
	if chatID == "" && personID == "" {
		return badRequest(c, "chatId or personId is required")
	}

	r, err := g.svc.Routes.Resolve(c.Context(), c.Param("instanceId"), chatID, personID)
	if err != nil {
		return g.writeError(c, "resolving agent route", err)
	}
	if r == nil {
		return c.OK(ResolveResponse{Default: true})
	}
	resp := toRouteResponse(r)
	return c.OK(ResolveResponse{Route: &resp})
}

func (g *Gateway) handleRouteMetrics(c *okapi.Context) error {
	return c.OK(g.svc.Routes.ResolverMetrics())
}
