package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/json"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/network/connector"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/protocol"
)

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "connect as a player, spawn, move and print every received envelope",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://127.0.0.1:8000", Usage: "base websocket url"},
			&cli.StringFlag{Name: "client-id", Usage: "client id, random when empty"},
			&cli.StringFlag{Name: "token", Usage: "JWT or guest token sent as Authorization bearer"},
			&cli.StringFlag{Name: "name", Value: "probe", Usage: "player name sent with spawn"},
			&cli.BoolFlag{Name: "3d", Usage: "use the 3D spawn/move message kinds"},
			&cli.IntFlag{Name: "moves", Value: 3, Usage: "number of move messages to send"},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "delay between moves"},
			&cli.DurationFlag{Name: "duration", Value: 10 * time.Second, Usage: "how long to stay connected, 0 waits for interrupt"},
			&cli.StringFlag{Name: "city-chat", Usage: "join the city plaza and post this message"},
		},
		Action: runConnect,
	}
}

func runConnect(ctx context.Context, cmd *cli.Command) error {
	clientID := cmd.String("client-id")
	if clientID == "" {
		clientID = "probe-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	target, err := url.JoinPath(cmd.String("url"), "ws", url.PathEscape(clientID))
	if err != nil {
		return err
	}
	var header http.Header
	if token := cmd.String("token"); token != "" {
		header = http.Header{"Authorization": {"Bearer " + token}}
	}

	conn, err := connector.DialWithRetry(ctx, connector.NewWSConnector(connector.Config{}), target,
		connector.NopHandler{}, header, connector.DefaultRetryConfig())
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "connected to %s as %s\n", target, clientID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range conn.Recv() {
			line, err := json.MarshalToString(env)
			if err != nil {
				continue
			}
			fmt.Println(line)
		}
	}()

	spawnKind, moveKind := protocol.KindPlayerSpawn, protocol.KindPlayerMove
	if cmd.Bool("3d") {
		spawnKind, moveKind = protocol.KindPlayerSpawn3D, protocol.KindPlayerMove3D
	}
	if err := conn.Send(protocol.NewEnvelope(spawnKind, map[string]any{"name": cmd.String("name"), "x": 0, "y": 0})); err != nil {
		return err
	}
	if msg := cmd.String("city-chat"); msg != "" {
		if err := conn.Send(protocol.NewEnvelope(protocol.KindCityJoin, map[string]any{})); err != nil {
			return err
		}
		if err := conn.Send(protocol.NewEnvelope(protocol.KindCityMessage, map[string]any{protocol.FieldMessage: msg})); err != nil {
			return err
		}
	}

	for i := 1; i <= int(cmd.Int("moves")); i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-time.After(cmd.Duration("interval")):
		}
		if err := conn.Send(protocol.NewEnvelope(moveKind, map[string]any{"x": i, "y": i})); err != nil {
			return err
		}
	}

	var timeout <-chan time.Time
	if d := cmd.Duration("duration"); d > 0 {
		timeout = time.After(d)
	}
	select {
	case <-ctx.Done():
	case <-done:
		fmt.Fprintln(os.Stderr, "connection closed by server")
	case <-timeout:
	}
	return nil
}
