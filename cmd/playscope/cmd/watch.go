package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/psantana5/playscope/pkg/events"
)

var watchJobID string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live job updates from the server",
	Long: `Watch opens the server's websocket event stream and prints every job
update as it happens. Use --job to follow a single job.

Example:
  playscope watch
  playscope watch --job 0190f8a2-... -o json`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchJobID, "job", "", "only show updates for this job")
}

// eventsURL converts the server URL to the websocket endpoint
func eventsURL(server, jobID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/events"
	if jobID != "" {
		u.RawQuery = url.Values{"job_id": {jobID}}.Encode()
	}
	return u.String(), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	target, err := eventsURL(GetServerURL(), watchJobID)
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	if client, err := GetHTTPClient(); err != nil {
		return err
	} else if t, ok := client.Transport.(*http.Transport); ok {
		dialer.TLSClientConfig = t.TLSClientConfig
	}

	header := http.Header{}
	if token := GetAPIToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to open event stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	if !IsJSONOutput() {
		fmt.Fprintf(os.Stderr, "Watching %s (press Ctrl+C to stop)...\n", target)
	}

	for {
		var evt events.JobEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		printEvent(evt)
	}
}

func printEvent(evt events.JobEvent) {
	if IsJSONOutput() {
		data, _ := json.Marshal(evt)
		fmt.Println(string(data))
		return
	}
	if evt.Job == nil {
		return
	}

	ts := evt.Timestamp.Local().Format("15:04:05")
	if evt.Type == events.EventJobDeleted {
		fmt.Printf("%s  %-36s  deleted\n", ts, evt.Job.ID)
		return
	}

	line := fmt.Sprintf("%s  %-36s  %-10s %-9s %s", ts, evt.Job.ID, evt.Job.Command, evt.Job.Status, formatProgress(evt.Job.Progress))
	if evt.Job.Error != "" {
		line += "  error: " + evt.Job.Error
	}
	fmt.Println(line)
}
