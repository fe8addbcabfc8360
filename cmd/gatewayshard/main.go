// Command gatewayshard is an example binary wiring a cluster of
// gateway shards together: a dispatch registry with a handler
// registered, a voice manager attached per shard, and a
// signal-driven shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/shardwire/shardwire/cluster"
	"github.com/shardwire/shardwire/gateway"
	"github.com/shardwire/shardwire/internal/gatewayshard"
	"github.com/shardwire/shardwire/internal/voice"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	registry := cluster.NewRegistry()

	registry.RegisterDispatch("MESSAGE_CREATE",
		func(cache gatewayshard.Cache, raw []byte) (any, error) {
			return raw, nil
		},
		func(ctx context.Context, evt gatewayshard.Event) error {
			log.Info().Str("event", evt.Name).Msg("dispatch received")
			return nil
		},
	)

	botUserID := os.Getenv("BOT_USER_ID")

	c := cluster.New(cluster.Config{
		Token: os.Getenv("BOT_TOKEN"),
		Intents: gateway.IntentGuilds | gateway.IntentGuildMessages | gateway.IntentGuildVoiceStates,
		ShardIDs: []int32{0},
		ShardCount: 1,
		GatewayURL: "wss://gateway.discord.gg",
		Compress: true,
		VoiceManagerFactory: func(sh *gatewayshard.Shard) gatewayshard.VoiceRouter {
			return voice.NewManager(sh, botUserID, nil, func(evt voice.Event) {
				log.Info().Str("event", evt.Name).Str("guild_id", evt.GuildID).Msg("voice event")
			})
		},
	}, registry, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := c.Open(ctx); err != nil {
			log.Fatal().Err(err).Msg("cluster failed to open")
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	c.Close()
}
