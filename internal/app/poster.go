package app

import (
	"context"
	"time"

	"autochat/internal/dispatch"
	"autochat/internal/generate"
)

// recordingPoster adds the bot's own sends to the generation history. The
// bot never receives its own messages as updates, so without this the
// generator would only see the other participants.
type recordingPoster struct {
	next    dispatch.Poster
	history *generate.History
	name    func() string
}

func (p *recordingPoster) Post(ctx context.Context, text string) error {
	if err := p.next.Post(ctx, text); err != nil {
		return err
	}
	from := "bot"
	if p.name != nil {
		if n := p.name(); n != "" {
			from = n
		}
	}
	p.history.Add(generate.Line{At: time.Now(), From: from, Text: text, IsBot: true})
	return nil
}
