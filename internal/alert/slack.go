package alert

import (
	"context"
	"fmt"
	"time"

	httpx "basis_engine/pkg/http"
)

type SlackChannel struct {
	webhookURL string
	client     *httpx.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     httpx.NewClient(webhookURL, 5*time.Second),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, p Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f"
	switch p.Level {
	case LevelWarning:
		color = "#ffcc00"
	case LevelError:
		color = "#ff0000"
	case LevelCritical:
		color = "#8b0000"
	}

	var fields []map[string]interface{}
	for k, v := range p.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", p.Level, p.Title),
				"text":    p.Message,
				"fields":  fields,
				"ts":      p.Timestamp.Unix(),
				"footer":  "basis engine",
			},
		},
	}

	_, err := s.client.Post(ctx, "", payload)
	return err
}
