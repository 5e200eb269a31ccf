package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"ms-payouts/internal/kafka"
	"ms-payouts/internal/payout"
)

// HandleTrigger runs one payout from a trigger command on the command
// topic. Nothing to pay is not an error.
func (a *App) HandleTrigger(ctx context.Context, msg kafkago.Message) error {
	var cmd kafka.TriggerCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode trigger command at offset %d: %w", msg.Offset, err)
	}
	if cmd.TriggeredBy == "" {
		cmd.TriggeredBy = "kafka"
	}
	res, err := payout.Trigger(ctx, a.Store, a.Builder, a.Queue, a.DefaultProvider, payout.TriggerParams{
		OrganizerID: cmd.OrganizerID,
		EventID:     cmd.EventID,
		IsDonation:  cmd.IsDonation,
		Provider:    cmd.Provider,
		TriggeredBy: cmd.TriggeredBy,
	})
	if errors.Is(err, payout.ErrNoPendingPayouts) {
		a.Log.LogKafka(msg.Topic, fmt.Sprintf("nothing to pay for organizer %s", cmd.OrganizerID))
		return nil
	}
	if err != nil {
		return err
	}
	a.Log.LogPayout(res.Reference, fmt.Sprintf("triggered from %s: %s %d %s", msg.Topic, res.Status, res.Amount, res.Currency))
	return nil
}

// Consume reads trigger commands until ctx is cancelled.
func (a *App) Consume(ctx context.Context) error {
	k := a.Config.Kafka
	if !k.Enabled || k.Topics.TriggerRequested == "" {
		a.Log.Info("KAFKA", "trigger consumer disabled")
		<-ctx.Done()
		return nil
	}
	c := kafka.NewConsumer(k.Brokers, k.Topics.TriggerRequested, k.GroupID, a.Log)
	defer c.Close()
	return c.Run(ctx, a.HandleTrigger)
}
