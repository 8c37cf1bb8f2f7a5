package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/livetemplate/stepdeck/internal/transport"
)

// FollowCommand implements the follow command. With --offset K the follower
// stays K transitions ahead of the presenter, which makes it a presenter
// preview.
func FollowCommand(args []string) error {
	f, err := parseClientFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, client, _, err := connect(ctx, f, transport.RoleFollower, os.Stdout)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.offset > 0 {
		fmt.Printf("Following room %q, %d ahead. Waiting for the presenter...\n", client.Room(), s.offset)
	} else {
		fmt.Printf("Following room %q. Waiting for the presenter...\n", client.Room())
	}

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
