package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apiServer "github.com/adwski/webrtc-portal/backend/server/http"
	"github.com/spf13/cobra"
)

const apiTimeout = 10 * time.Second

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Inspect or reset rooms on the coordinator",
}

var roomInspectCmd = &cobra.Command{
	Use:   "inspect <room-id>",
	Short: "Print persisted room state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRoomAPI(cmd.Context(), http.MethodGet, args[0], cmd.OutOrStdout())
	},
}

var roomResetCmd = &cobra.Command{
	Use:   "reset <room-id>",
	Short: "Drop room state and disconnect its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRoomAPI(cmd.Context(), http.MethodDelete, args[0], cmd.OutOrStdout())
	},
}

func init() {
	roomCmd.AddCommand(roomInspectCmd, roomResetCmd)
	rootCmd.AddCommand(roomCmd)
}

func callRoomAPI(ctx context.Context, method, roomID string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	u := trimBase(flagAPI) + "/api/room/" + url.PathEscape(roomID)
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("cannot build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("room API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body apiServer.GenericResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("cannot decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if body.Error == "" {
			body.Error = resp.Status
		}
		return errors.New(body.Error)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if body.Data != nil {
		return enc.Encode(body.Data)
	}
	return enc.Encode(body)
}
