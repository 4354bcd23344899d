package bot

import (
	"fmt"
	"log"
)

// DispatchPreparedReplies drains the outbox: every prepared reply is sent
// over the transport and moved into the emails table with its awareness
// timestamp as sorting timestamp. The first delivery failure stops the
// drain: the pipeline must not run on top of undelivered replies, since a
// reminder could then overtake the reply it is reminding about.
func (b *Bot) DispatchPreparedReplies() error {
	items, err := b.store.PendingReplies()
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	log.Printf("[Bot] Dispatching %d prepared replies", len(items))

	for _, item := range items {
		messageID, err := b.transport.SendEmail(item.Recipient, item.Reply.Subject, item.Reply.Body)
		if err != nil {
			return fmt.Errorf("send reply %s to %s: %w", item.Reply.ID, item.Recipient, err)
		}
		if err := b.store.MarkReplyDispatched(item.Reply, messageID); err != nil {
			return fmt.Errorf("mark reply %s dispatched: %w", item.Reply.ID, err)
		}
	}
	return nil
}
