// Package heartbeat delivers scheduled notifications, typically liveness
// pings to an ops channel.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"tgrelay/internal/config"
	"tgrelay/internal/telegram"
	"tgrelay/pkg/logx"
)

// Deliverer sends one message. Satisfied by *telegram.Client.
type Deliverer interface {
	Deliver(ctx context.Context, req telegram.Request) telegram.Outcome
}

// Service schedules configured heartbeats on a cron runner.
type Service struct {
	cron   *cron.Cron
	client Deliverer
	log    logx.Logger
}

// New validates the schedules and registers the jobs. An unparsable
// schedule is a startup error.
func New(beats []config.HeartbeatConfig, client Deliverer, log logx.Logger) (*Service, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	s := &Service{cron: c, client: client, log: log}
	for i, hb := range beats {
		hb := hb
		if _, err := parser.Parse(hb.Schedule); err != nil {
			return nil, fmt.Errorf("heartbeats[%d] (%s): bad schedule %q: %w", i, hb.Name, hb.Schedule, err)
		}
		if _, err := c.AddFunc(hb.Schedule, func() { s.fire(hb) }); err != nil {
			return nil, fmt.Errorf("heartbeats[%d] (%s): %w", i, hb.Name, err)
		}
		log.Info("heartbeat scheduled",
			logx.String("name", hb.Name),
			logx.String("schedule", hb.Schedule),
			logx.String("chat_id", hb.ChatID))
	}
	return s, nil
}

func (s *Service) fire(hb config.HeartbeatConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	out := s.client.Deliver(ctx, telegram.Request{
		ChatID:    hb.ChatID,
		Text:      hb.Text,
		ParseMode: hb.ParseMode,
	})
	if out.Status != telegram.StatusSent {
		s.log.Warn("heartbeat delivery failed",
			logx.String("name", hb.Name),
			logx.String("reason", out.Reason))
		return
	}
	s.log.Debug("heartbeat sent", logx.String("name", hb.Name), logx.Int64("message_id", out.MessageID))
}

func (s *Service) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}
