package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mossy-p/p2p-call-signaling/internal/middleware"
	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagSecret   string
	flagOperator string
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List live rooms on a signaling server",
	Long: `List the rooms currently open on a signaling server through its admin API.
A short-lived operator token is signed with the server's ADMIN_JWT_SECRET.

Examples:
  ADMIN_JWT_SECRET=... callpeer rooms --server http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, err := fetchRooms(flagServer, flagSecret, flagOperator)
		if err != nil {
			return err
		}
		renderRooms(rooms)
		return nil
	},
}

func fetchRooms(server, secret, operator string) ([]models.RoomInfo, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}

	token, err := middleware.IssueToken(secret, operator, time.Minute)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, base.String()+"/api/rooms", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var body struct {
		Rooms []models.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode rooms: %w", err)
	}
	return body.Rooms, nil
}

func renderRooms(rooms []models.RoomInfo) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "Members", "Session", "Email", "Connected"})

	for _, r := range rooms {
		occupancy := fmt.Sprintf("%d/%d", len(r.Members), r.Capacity)
		for i, m := range r.Members {
			room := r.ID
			if i > 0 {
				room, occupancy = "", ""
			}
			t.AppendRow(table.Row{room, occupancy, m.ID, m.Email, m.ConnectedAt.Format(time.RFC3339)})
		}
	}
	t.AppendFooter(table.Row{"", "", "", "Rooms", len(rooms)})
	t.Render()
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().StringVar(&flagServer, "server", envOr("SIGNALING_HTTP_URL", "http://localhost:8080"), "Signaling server base URL")
	roomsCmd.Flags().StringVar(&flagSecret, "secret", os.Getenv("ADMIN_JWT_SECRET"), "Admin JWT secret (env ADMIN_JWT_SECRET)")
	roomsCmd.Flags().StringVar(&flagOperator, "operator", "callpeer", "Operator name carried in the token")
}
