package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/admin"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/util/logutil"
)

func adminFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "admin", Value: "127.0.0.1:9090", Usage: "admin gRPC address"},
		&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "rpc timeout"},
		&cli.StringFlag{Name: "operator", Sources: cli.EnvVars("USER"), Usage: "operator name recorded in the server access log"},
		&cli.StringFlag{Name: "log-level", Usage: "server-side log level for this call (debug, info, warn, error)"},
		&cli.StringFlag{Name: "token", Sources: cli.EnvVars("HEMOCLAST_SERVER_ADMIN_TOKEN"), Usage: "admin bearer token"},
	}
}

// withAdmin 建立到运维接口的连接并执行 fn，结果以 JSON 打印。
func withAdmin(fn func(ctx context.Context, c *admin.Client, cmd *cli.Command) (*structpb.Struct, error)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cc, err := grpc.NewClient(cmd.String("admin"),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithChainUnaryInterceptor(
				logutil.UnaryClientInterceptor(cmd.String("operator"), cmd.String("log-level")),
				logutil.UnaryClientTokenInterceptor(cmd.String("token")),
			),
		)
		if err != nil {
			return errors.Wrap(err, "connect admin")
		}
		defer cc.Close()

		ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
		defer cancel()
		out, err := fn(ctx, admin.NewClient(cc), cmd)
		if err != nil {
			return err
		}
		text, err := protojson.MarshalOptions{Multiline: true}.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Println(string(text))
		return nil
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print session, room and process statistics",
		Flags: adminFlags(),
		Action: withAdmin(func(ctx context.Context, c *admin.Client, _ *cli.Command) (*structpb.Struct, error) {
			return c.Stats(ctx)
		}),
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list online players and their presence",
		ArgsUsage: "[client-id]",
		Flags:     adminFlags(),
		Action: withAdmin(func(ctx context.Context, c *admin.Client, cmd *cli.Command) (*structpb.Struct, error) {
			return c.ListPresence(ctx, cmd.Args().First())
		}),
	}
}

func kickCommand() *cli.Command {
	return &cli.Command{
		Name:      "kick",
		Usage:     "disconnect a client",
		ArgsUsage: "<client-id>",
		Flags:     adminFlags(),
		Action: withAdmin(func(ctx context.Context, c *admin.Client, cmd *cli.Command) (*structpb.Struct, error) {
			if cmd.Args().Len() != 1 {
				return nil, errors.New("kick takes exactly one client id")
			}
			return c.KickClient(ctx, cmd.Args().First())
		}),
	}
}

func announceCommand() *cli.Command {
	return &cli.Command{
		Name:      "announce",
		Usage:     "broadcast a server announcement to every connected client",
		ArgsUsage: "<message>",
		Flags:     adminFlags(),
		Action: withAdmin(func(ctx context.Context, c *admin.Client, cmd *cli.Command) (*structpb.Struct, error) {
			if !cmd.Args().Present() {
				return nil, errors.New("announce needs a message")
			}
			return c.Announce(ctx, cmd.Args().First(), nil)
		}),
	}
}

func guestCommand() *cli.Command {
	return &cli.Command{
		Name:      "guest",
		Usage:     "issue a guest session token",
		ArgsUsage: "[name]",
		Flags:     adminFlags(),
		Action: withAdmin(func(ctx context.Context, c *admin.Client, cmd *cli.Command) (*structpb.Struct, error) {
			return c.IssueGuestToken(ctx, cmd.Args().First())
		}),
	}
}
