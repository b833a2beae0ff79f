package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/omni/internal/domain"
)

const streamBuffer = 64

// IngestResponse is returned by POST /v1/events.
type IngestResponse struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
}

// StreamEvent is one server-sent event on /v1/events/stream.
type StreamEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instanceId,omitempty"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (g *Gateway) registerEventRoutes() {
	if g.svc.Bus == nil {
		return
	}
	g.group.Post("/events", g.handleEventIngest,
		okapi.DocSummary("Publish an event onto the bus"),
		okapi.DocTags("Events"),
		okapi.DocRequestBody(EventRequest{}),
		okapi.DocResponse(http.StatusAccepted, IngestResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/events/stream", g.handleEventStream,
		okapi.DocSummary("Stream bus events via SSE"),
		okapi.DocTags("Events"),
	)
}

// handleEventIngest publishes an event. Delivery to automations is
// asynchronous; the response only confirms the event was accepted.
func (g *Gateway) handleEventIngest(c *okapi.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Type == "" {
		return badRequest(c, "type is required")
	}

	event := req.toEvent("api")
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := g.svc.Bus.Publish(c.Context(), event); err != nil {
		return g.writeError(c, "publishing event", err)
	}

	g.logger.Debug("event ingested",
		slog.String("user_id", c.GetString("userID")),
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
	)
	return c.JSON(http.StatusAccepted, IngestResponse{EventID: event.ID, Type: event.Type})
}

// handleEventStream handles GET /v1/events/stream. Optional "type" and
// "instanceId" query parameters filter the stream. Events are dropped for
// clients that fall more than streamBuffer events behind.
func (g *Gateway) handleEventStream(c *okapi.Context) error {
	typeFilter := queryParam(c, "type")
	instanceFilter := queryParam(c, "instanceId")

	events := make(chan domain.Event, streamBuffer)
	subID := "sse:" + uuid.NewString()
	g.svc.Bus.Subscribe(subID, func(_ context.Context, ev domain.Event) {
		if typeFilter != "" && ev.Type != typeFilter {
			return
		}
		if instanceFilter != "" && ev.InstanceKey() != instanceFilter {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer g.svc.Bus.Unsubscribe(subID)

	ctx := c.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			c.SSEvent(ev.Type, StreamEvent{
				ID:         ev.ID,
				Type:       ev.Type,
				InstanceID: ev.Metadata.InstanceID,
				Source:     ev.Metadata.Source,
				Payload:    ev.Payload,
				Timestamp:  ev.Timestamp,
			})
		}
	}
}
