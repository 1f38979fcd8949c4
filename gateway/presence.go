package gateway

import (
	"context"

	"emperror.dev/errors"
)

// Status is the online status of the bot
type Status string

const (
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusInvisible    Status = "invisible"
)

type ActivityType int

const (
	ActivityTypePlaying ActivityType = iota
	ActivityTypeStreaming
	ActivityTypeListening
	ActivityTypeWatching
	ActivityTypeCustom
	ActivityTypeCompeting
)

type Activity struct {
	Name  string       `json:"name"`
	Type  ActivityType `json:"type"`
	URL   string       `json:"url,omitempty"`
	State string       `json:"state,omitempty"`
}

// UpdateStatusData is the payload of a presence update
type UpdateStatusData struct {
	IdleSince  *int64      `json:"since"`
	Activities []*Activity `json:"activities"`
	AFK        bool        `json:"afk"`
	Status     Status      `json:"status"`
}

// NewUpdateStatusData builds a presence with a single activity, an empty text clears it
func NewUpdateStatusData(activityType ActivityType, status Status, text, streamingURL string) *UpdateStatusData {
	usd := &UpdateStatusData{
		Status:     status,
		Activities: []*Activity{},
	}

	if text == "" {
		return usd
	}

	act := &Activity{
		Name: text,
		Type: activityType,
	}
	if streamingURL != "" {
		act.Type = ActivityTypeStreaming
		act.URL = streamingURL
	}
	if activityType == ActivityTypeCustom {
		act.Name = "Custom Status"
		act.State = text
	}

	usd.Activities = append(usd.Activities, act)
	return usd
}

type sendRequest struct {
	op     GatewayOP
	data   interface{}
	result chan error
}

// SendPayload sends a frame on the current connection, serialised with the heartbeats.
// It fails with ErrNotConnected unless the shard is Connected; a failed write also ends the
// connection and the shard resumes as usual.
func (s *Shard) SendPayload(ctx context.Context, op GatewayOP, data interface{}) error {
	if !s.Connected() {
		return errors.WithStack(ErrNotConnected)
	}

	req := &sendRequest{
		op:     op,
		data:   data,
		result: make(chan error, 1),
	}

	select {
	case s.sendCh <- req:
	case <-s.done:
		return errors.WithStack(ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateStatus sends a presence update, once sent it is also part of every following identify
func (s *Shard) UpdateStatus(ctx context.Context, usd *UpdateStatusData) error {
	if usd == nil {
		return errors.New("no presence given")
	}

	if err := s.SendPayload(ctx, GatewayOPPresenceUpdate, usd); err != nil {
		return errors.WithMessage(err, "presence update")
	}

	cop := *usd
	s.mu.Lock()
	s.presence = &cop
	s.mu.Unlock()
	return nil
}

func (s *Shard) currentPresence() *UpdateStatusData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}
