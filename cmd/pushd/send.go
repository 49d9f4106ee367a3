package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wafflemaker/webpush"
)

func newSendCommand() *cobra.Command {
	var (
		user string
		n    webpush.Notification
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver one notification to every subscription of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, err := newService(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer svc.Close()
			if svc.dispatcher == nil {
				return errors.New("push notifications are not configured")
			}

			out := cmd.OutOrStdout()
			outcomes := svc.dispatcher.NotifyUser(ctx, user, &n)
			if len(outcomes) == 0 {
				fmt.Fprintf(out, "no subscriptions for %s\n", user)
				return nil
			}
			for _, o := range outcomes {
				fmt.Fprintf(out, "%s\t%s\n", o.Result, o.Endpoint)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user to notify")
	cmd.Flags().StringVar(&n.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&n.Body, "body", "", "notification body")
	cmd.Flags().StringVar(&n.URL, "url", "", "URL to open on click")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}
