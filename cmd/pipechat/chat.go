package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/pipechat/internal/client"
)

var userName string

// chatCmd is a line-oriented terminal client.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect to a running server as a user",
	Long: `Connect to the server's socket and declare --name. Each line typed on
stdin is sent as one message; every message received is printed on stdout.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := client.Connect(ctx, cfg.Socket.Network, cfg.Socket.Path, userName, client.Options{
			FrameSize:    cfg.Protocol.FrameSize,
			MetadataKey:  cfg.Protocol.MetadataKey,
			WriteTimeout: cfg.Protocol.WriteTimeout,
		})
		if err != nil {
			return err
		}
		defer c.Close()

		fmt.Fprintf(cmd.ErrOrStderr(), "connected to %s as %s\n", cfg.Socket.Path, userName)
		return chat(ctx, c, cmd)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&userName, "name", "n", "", "User name to declare")
	_ = chatCmd.MarkFlagRequired("name")
}

func chat(ctx context.Context, c *client.Client, cmd *cobra.Command) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			msg, err := c.Receive(gctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
		}
	})

	// Reading stdin cannot be interrupted; closing the connection ends the
	// receive loop and the process exits with the scanner still blocked.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					_ = c.Close()
					return nil
				}
				if line == "" {
					continue
				}
				if err := c.Send(line); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, client.ErrNotConnected) {
		return nil
	}
	return err
}
