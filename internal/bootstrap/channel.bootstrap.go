package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/krobus00/market-data-relay/internal/config"
	"github.com/krobus00/market-data-relay/internal/entity"
	"github.com/krobus00/market-data-relay/internal/infrastructure"
	"github.com/krobus00/market-data-relay/internal/repository"
	"github.com/krobus00/market-data-relay/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartChannel(cmd *cobra.Command, args []string) {
	action, _ := cmd.Flags().GetString("action")
	channel, _ := cmd.Flags().GetString("channel")
	description, _ := cmd.Flags().GetString("description")

	channel = strings.TrimSpace(channel)
	description = strings.TrimSpace(description)

	ctx := context.Background()

	db, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database["relay"])
	util.ContinueOrFatal(err)
	defer db.Close()

	channelSubscriptionRepo := repository.NewChannelSubscriptionRepository(db)

	switch action {
	case "add":
		if channel == "" {
			util.ContinueOrFatal(errors.New("channel is required"))
		}

		existing, err := channelSubscriptionRepo.GetByChannel(ctx, channel)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			util.ContinueOrFatal(err)
		}
		if existing != nil {
			logrus.Infof("channel already pinned: %s", channel)
			return
		}

		err = channelSubscriptionRepo.Create(ctx, &entity.ChannelSubscription{
			Channel:     channel,
			Description: null.NewString(description, description != ""),
		})
		util.ContinueOrFatal(err)

		logrus.Infof("channel pinned: %s", channel)
	case "remove":
		if channel == "" {
			util.ContinueOrFatal(errors.New("channel is required"))
		}

		err = channelSubscriptionRepo.DeleteByChannel(ctx, channel)
		util.ContinueOrFatal(err)

		logrus.Infof("channel unpinned: %s", channel)
	case "list":
		subs, err := channelSubscriptionRepo.GetAll(ctx)
		util.ContinueOrFatal(err)

		for _, sub := range subs {
			logrus.Infof("%s %s", sub.Channel, sub.Description.ValueOrZero())
		}
	default:
		util.ContinueOrFatal(errors.New("invalid command"))
	}
}
