package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xansec/amqpprox/internal/auth"
	"github.com/xansec/amqpprox/internal/control"
	"github.com/xansec/amqpprox/internal/iface"
)

// normalizeEndpoint accepts a bare host:port or a ws(s):// or http(s)://
// URL and returns the websocket URL of the control endpoint.
func normalizeEndpoint(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/control"
	}
	return u.String(), nil
}

// runCommand dials the control endpoint, authenticates and performs one
// command round trip. A response carrying an error is returned as one.
func runCommand(cmd control.Command) (control.Response, error) {
	var resp control.Response

	target, err := normalizeEndpoint(endpointFlag)
	if err != nil {
		return resp, err
	}
	if secretFlag == "" {
		return resp, fmt.Errorf("--secret must be set")
	}

	token, err := auth.NewToken(secretFlag, roleFlag, 2*time.Minute)
	if err != nil {
		return resp, fmt.Errorf("minting control token: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeoutFlag
	if insecureFlag {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return resp, fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeoutFlag)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		return resp, fmt.Errorf("sending auth token: %w", err)
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return resp, fmt.Errorf("sending command: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	if err := conn.ReadJSON(&resp); err != nil {
		return resp, fmt.Errorf("reading response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printSessions(sessions []iface.SessionStats) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVHOST\tFARM\tBROKER\tCLIENT\tSTATE\tBYTES IN\tBYTES OUT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.VirtualHost, s.Farm, s.Broker, s.ClientAddress, s.State, s.BytesIn, s.BytesOut)
	}
	w.Flush()
}
