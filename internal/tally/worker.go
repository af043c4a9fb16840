package tally

import (
	"context"
	"fmt"
	"log"

	"uniscan/internal/queue"
)

// Apply folds a single queue message into the tally. Messages of other types
// are ignored.
func Apply(ctx context.Context, s Store, msg queue.Message) error {
	if msg.Type != queue.TypeAttendanceMarked {
		return nil
	}
	var evt queue.AttendanceMarked
	if err := msg.Decode(&evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	if evt.Day == "" || evt.CodeData == "" {
		return fmt.Errorf("%s event %s missing day or code", msg.Type, evt.RecordID)
	}
	return s.Incr(ctx, evt.Day, evt.CodeData)
}

// Run consumes messages until the channel closes. Failures are logged and
// the message is dropped.
func Run(ctx context.Context, msgs <-chan queue.Message, s Store, logger *log.Logger) int {
	if logger == nil {
		logger = log.Default()
	}
	applied := 0
	for msg := range msgs {
		if err := Apply(ctx, s, msg); err != nil {
			logger.Printf("tally: %v", err)
			continue
		}
		if msg.Type == queue.TypeAttendanceMarked {
			applied++
		}
	}
	return applied
}
