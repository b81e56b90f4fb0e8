package calendar_tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/mcpgate/internal/calendar"
)

func registerEventTools(s *mcpserver.MCPServer, factory ClientFactory) {
	listEventsTool := mcp.NewTool("calendar_list_events",
		mcp.WithDescription("List events from a calendar within a time range"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("calendarId",
			mcp.Description("Calendar ID (use 'primary' for primary calendar)"),
		),
		mcp.WithString("timeMin",
			mcp.Required(),
			mcp.Description("Start time (RFC3339 format, e.g., '2025-01-01T00:00:00Z')"),
		),
		mcp.WithString("timeMax",
			mcp.Required(),
			mcp.Description("End time (RFC3339 format, e.g., '2025-01-31T23:59:59Z')"),
		),
		mcp.WithString("query",
			mcp.Description("Free text search terms"),
		),
		mcp.WithNumber("maxResults",
			mcp.Description("Maximum number of events to return (default: 50)"),
		),
	)

	s.AddTool(listEventsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListEvents(ctx, request, factory)
	})

	getEventTool := mcp.NewTool("calendar_get_event",
		mcp.WithDescription("Get details of a specific calendar event"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("calendarId",
			mcp.Description("Calendar ID (use 'primary' for primary calendar)"),
		),
		mcp.WithString("eventId",
			mcp.Required(),
			mcp.Description("The ID of the event to retrieve"),
		),
	)

	s.AddTool(getEventTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetEvent(ctx, request, factory)
	})
}

func handleListEvents(ctx context.Context, request mcp.CallToolRequest, factory ClientFactory) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	calendarID := stringArg(args, "calendarId", "primary")

	timeMin, err := timeArg(args, "timeMin")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeMax, err := timeArg(args, "timeMax")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !timeMax.After(timeMin) {
		return mcp.NewToolResultError("timeMax must be after timeMin"), nil
	}

	var maxResults int64
	if v, ok := args["maxResults"].(float64); ok && v > 0 {
		maxResults = int64(v)
	}

	client, err := getCalendarClient(ctx, factory)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	events, err := client.ListEvents(ctx, calendarID, timeMin, timeMax, stringArg(args, "query", ""), maxResults)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}

	result := fmt.Sprintf("Found %d events:\n\n", len(events))
	for i, event := range events {
		result += fmt.Sprintf("%d. %s\n", i+1, event.Summary)
		result += fmt.Sprintf("   ID: %s\n", event.ID)
		result += fmt.Sprintf("   Start: %s\n", formatEventTime(event.Start, event.AllDay))
		result += fmt.Sprintf("   End: %s\n", formatEventTime(event.End, event.AllDay))
		if event.Location != "" {
			result += fmt.Sprintf("   Location: %s\n", event.Location)
		}
		if event.MeetLink != "" {
			result += fmt.Sprintf("   Meet: %s\n", event.MeetLink)
		}
		if len(event.Attendees) > 0 {
			result += fmt.Sprintf("   Attendees: %d\n", len(event.Attendees))
		}
		result += "\n"
	}

	return mcp.NewToolResultText(result), nil
}

func handleGetEvent(ctx context.Context, request mcp.CallToolRequest, factory ClientFactory) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	calendarID := stringArg(args, "calendarId", "primary")

	eventID := stringArg(args, "eventId", "")
	if eventID == "" {
		return mcp.NewToolResultError("eventId is required"), nil
	}

	client, err := getCalendarClient(ctx, factory)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	event, err := client.GetEvent(ctx, calendarID, eventID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get event: %v", err)), nil
	}

	return mcp.NewToolResultText(formatEventDetails(event)), nil
}

func formatEventDetails(event *calendar.EventSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", event.Summary)
	fmt.Fprintf(&b, "ID: %s\n", event.ID)
	fmt.Fprintf(&b, "Start: %s\n", formatEventTime(event.Start, event.AllDay))
	fmt.Fprintf(&b, "End: %s\n", formatEventTime(event.End, event.AllDay))
	if event.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", event.Status)
	}
	if event.Organizer != "" {
		fmt.Fprintf(&b, "Organizer: %s\n", event.Organizer)
	}
	if event.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", event.Location)
	}
	if event.MeetLink != "" {
		fmt.Fprintf(&b, "Meet: %s\n", event.MeetLink)
	}
	if event.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", event.Description)
	}
	if len(event.Attendees) > 0 {
		fmt.Fprintf(&b, "\nAttendees (%d):\n", len(event.Attendees))
		for _, att := range event.Attendees {
			name := att.Email
			if att.DisplayName != "" {
				name = fmt.Sprintf("%s <%s>", att.DisplayName, att.Email)
			}
			fmt.Fprintf(&b, "  - %s", name)
			if att.ResponseStatus != "" {
				fmt.Fprintf(&b, " (%s)", att.ResponseStatus)
			}
			if att.Optional {
				b.WriteString(" [optional]")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatEventTime(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(time.DateOnly) + " (all day)"
	}
	return t.Format(time.RFC3339)
}
