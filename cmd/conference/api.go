package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show relay health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var health models.HealthResponse
		if err := getJSON(cmd.Context(), "/health", &health); err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Status", "Rooms", "Connections"})
		t.AppendRow(table.Row{health.Status, health.RoomCount, health.ConnectionCount})
		t.Render()
		return nil
	},
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Create and inspect rooms",
}

var flagRoomMax int

var roomCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room and print its code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := "{}"
		if flagRoomMax > 0 {
			body = fmt.Sprintf(`{"maxParticipants": %d}`, flagRoomMax)
		}
		var created models.CreateRoomResponse
		if err := doJSON(cmd.Context(), http.MethodPost, "/api/rooms", strings.NewReader(body), http.StatusCreated, &created); err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Room ID", "Code"})
		t.AppendRow(table.Row{created.RoomID, created.Code})
		t.Render()
		return nil
	},
}

var roomShowCmd = &cobra.Command{
	Use:   "show <room-id|code>",
	Short: "Show a room and its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var room models.RoomMetadata
		if err := getJSON(cmd.Context(), "/api/rooms/"+args[0], &room); err != nil {
			return err
		}
		var list struct {
			Participants []models.Participant `json:"participants"`
		}
		if err := getJSON(cmd.Context(), "/api/rooms/"+args[0]+"/participants", &list); err != nil {
			return err
		}

		t := newTable()
		t.SetTitle(fmt.Sprintf("Room %s (%s)", room.Code, room.ID))
		t.AppendHeader(table.Row{"#", "Participant", "Name", "Joined"})
		for i, p := range list.Participants {
			t.AppendRow(table.Row{i + 1, p.ID, p.DisplayName, p.JoinedAt.Local().Format(time.TimeOnly)})
		}
		t.AppendFooter(table.Row{"", "", "Capacity", fmt.Sprintf("%d/%d", room.ParticipantCount, room.MaxParticipants)})
		t.Render()
		return nil
	},
}

func init() {
	roomCreateCmd.Flags().IntVar(&flagRoomMax, "max", 0, "maximum participants (relay default when unset)")
	roomCmd.AddCommand(roomCreateCmd, roomShowCmd)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func getJSON(ctx context.Context, path string, out any) error {
	return doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, out)
}

func doJSON(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(flagServer, "/")+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr models.ErrorPayload
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
