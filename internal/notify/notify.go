// Package notify formats alerts and delivers them through pluggable
// channels, with cooldown suppression and a delivery audit trail.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hamed0406/webguard/internal/domain"
)

type Format int

const (
	FormatHTML Format = iota
	FormatPlain
)

// Alert is what the dispatcher was asked to deliver.
type Alert struct {
	DispatchID string
	TargetID   domain.TargetID
	TargetName string
	URL        string
	Kind       domain.IncidentKind
	Severity   domain.Severity
	Detail     string
	At         time.Time
	Test       bool
}

type Message struct {
	Text   string
	Format Format
	Alert  Alert
}

type Channel interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Fanout delivers to every channel. The first error is returned after all
// channels were tried.
type Fanout []Channel

func (f Fanout) Name() string {
	names := make([]string, 0, len(f))
	for _, c := range f {
		if c != nil {
			names = append(names, c.Name())
		}
	}
	return strings.Join(names, "+")
}

func (f Fanout) Send(ctx context.Context, m Message) error {
	var firstErr error
	for _, c := range f {
		if c == nil {
			continue
		}
		if err := c.Send(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flatten expands a Fanout so the dispatcher can attempt and record each
// channel on its own.
func flatten(c Channel) []Channel {
	f, ok := c.(Fanout)
	if !ok {
		if c == nil {
			return nil
		}
		return []Channel{c}
	}
	var out []Channel
	for _, m := range f {
		out = append(out, flatten(m)...)
	}
	return out
}

// Channels drops nil entries and collapses the rest: nil when nothing is
// configured, the channel itself when there is one, a Fanout otherwise.
func Channels(cs ...Channel) Channel {
	var out Fanout
	for _, c := range cs {
		if c != nil {
			out = append(out, c)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

var (
	ErrNoChannel = errors.New("notify: no channel configured")
	ErrClosed    = errors.New("notify: dispatcher closed")
)
