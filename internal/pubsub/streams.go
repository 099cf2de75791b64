package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bartleby/internal/ws"
)

// streamMaxLen bounds how many events are kept per channel for replay
const streamMaxLen = 1000

// Streams manages Redis Streams for event replay
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
	ctx context.Context
}

// NewStreams creates a new Streams manager
func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{
		rdb: rdb,
		log: log,
		ctx: context.Background(),
	}
}

// PublishEvent appends an event to the channel's stream and returns its sequence number
func (s *Streams) PublishEvent(channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(s.ctx, "seq:"+channel).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := s.rdb.XAdd(s.ctx, &redis.XAddArgs{
		Stream: "stream:" + channel,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":       seq,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"data":      string(eventData),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Published event to stream",
		zap.String("channel", channel),
		zap.Int64("sequence", seq),
		zap.String("stream_id", id),
	)
	return seq, nil
}

// GetLastSequence gets the last acknowledged sequence for a channel and connection
func (s *Streams) GetLastSequence(channel, connectionID string) (int64, error) {
	seqStr, err := s.rdb.Get(s.ctx, fmt.Sprintf("ack:%s:%s", channel, connectionID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return strconv.ParseInt(seqStr, 10, 64)
}

// AcknowledgeSequence records an acknowledgment for a sequence number
func (s *Streams) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	err := s.rdb.Set(s.ctx, fmt.Sprintf("ack:%s:%s", channel, connectionID), sequence, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

// ReplayEvents returns up to limit events with a sequence above sinceSeq, oldest first
func (s *Streams) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]ws.StreamEvent, error) {
	msgs, err := s.rdb.XRevRangeN(s.ctx, "stream:"+channel, "+", "-", limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var events []ws.StreamEvent
	for i := len(msgs) - 1; i >= 0; i-- {
		ev, ok := decodeStreamMessage(channel, msgs[i].Values)
		if !ok {
			s.log.Warn("Skipping malformed stream entry", zap.String("id", msgs[i].ID))
			continue
		}
		if ev.Sequence > sinceSeq {
			events = append(events, ev)
		}
	}
	return events, nil
}

func decodeStreamMessage(channel string, values map[string]interface{}) (ws.StreamEvent, bool) {
	seqStr, _ := values["seq"].(string)
	data, _ := values["data"].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return ws.StreamEvent{}, false
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return ws.StreamEvent{}, false
	}

	ts, _ := values["timestamp"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	return ws.StreamEvent{Channel: channel, Sequence: seq, Event: event, Timestamp: timestamp}, true
}
