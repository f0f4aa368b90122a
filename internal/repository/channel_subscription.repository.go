package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/market-data-relay/internal/entity"
)

type ChannelSubscriptionRepository struct {
	db *sqlx.DB
}

func NewChannelSubscriptionRepository(db *sqlx.DB) *ChannelSubscriptionRepository {
	return &ChannelSubscriptionRepository{db: db}
}

func (r *ChannelSubscriptionRepository) GetAll(ctx context.Context) ([]entity.ChannelSubscription, error) {
	var subscriptions []entity.ChannelSubscription
	err := r.db.SelectContext(ctx, &subscriptions, "SELECT * FROM channel_subscriptions ORDER BY created_at DESC")
	return subscriptions, err
}

func (r *ChannelSubscriptionRepository) GetByChannel(ctx context.Context, channel string) (*entity.ChannelSubscription, error) {
	var subscription entity.ChannelSubscription
	err := r.db.GetContext(ctx, &subscription, "SELECT * FROM channel_subscriptions WHERE channel = $1", channel)
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *ChannelSubscriptionRepository) Create(ctx context.Context, data *entity.ChannelSubscription) error {
	now := time.Now().UTC()
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	data.CreatedAt = now
	data.UpdatedAt = now

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(data.TableName()).
		Columns(
			"id",
			"channel",
			"description",
			"created_at",
			"updated_at",
		).
		Values(
			data.ID,
			data.Channel,
			data.Description,
			data.CreatedAt,
			data.UpdatedAt,
		)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *ChannelSubscriptionRepository) DeleteByChannel(ctx context.Context, channel string) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete("channel_subscriptions").
		Where(sq.Eq{"channel": channel})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}
