package authclient

import (
	"context"
	"time"
)

// Status is the lifecycle state of a Session
type Status string

const (
	StatusAnonymous      Status = "anonymous"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusExpiring       Status = "expiring"
	StatusLoggedOut      Status = "logged_out"
)

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	metadata TransitionMetadata
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// sessionStateMachine validates status changes against the transition
// table. It holds no state of its own; the controller owns the Session and
// serializes access to it.
type sessionStateMachine struct {
	transitions  map[Status]map[Status]struct{}
	now          func() time.Time
	activitySink ActivitySink
	logger       Logger
}

func newSessionStateMachine(sink ActivitySink, logger Logger, now func() time.Time) *sessionStateMachine {
	if logger == nil {
		logger = defLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &sessionStateMachine{
		transitions: map[Status]map[Status]struct{}{
			StatusAnonymous: {
				StatusAuthenticating: {},
			},
			StatusAuthenticating: {
				StatusAuthenticated: {},
				StatusAnonymous:     {},
			},
			StatusAuthenticated: {
				StatusExpiring:  {},
				StatusLoggedOut: {},
			},
			StatusExpiring: {
				StatusAuthenticated: {},
				StatusLoggedOut:     {},
			},
			StatusLoggedOut: {
				StatusAnonymous: {},
			},
		},
		now:          now,
		activitySink: normalizeActivitySink(sink),
		logger:       logger,
	}
}

// apply moves session to target and returns the event describing the
// change, or nil when the status did not change.
func (sm *sessionStateMachine) apply(session *Session, target Status, opts ...TransitionOption) (*ActivityEvent, error) {
	if session == nil {
		return nil, invalidTransition(map[string]any{
			"target": target,
			"reason": "session is nil",
		})
	}

	from := session.Status
	if from == "" {
		from = StatusAnonymous
	}
	if target == "" {
		return nil, invalidTransition(map[string]any{
			"reason": "target status is empty",
		})
	}
	if from == target {
		return nil, nil
	}

	if !sm.canTransition(from, target) {
		return nil, invalidTransition(map[string]any{
			"from": from,
			"to":   target,
		})
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	session.Status = target

	event := &ActivityEvent{
		EventType:  ActivityEventSessionStatusChanged,
		FromStatus: from,
		ToStatus:   target,
		Metadata:   sm.transitionMetadata(options.metadata),
		OccurredAt: sm.now(),
	}
	if session.User != nil {
		event.UserID = session.User.ID
	}
	return event, nil
}

func (sm *sessionStateMachine) canTransition(from, to Status) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *sessionStateMachine) transitionMetadata(meta TransitionMetadata) map[string]any {
	if meta.Reason == "" && len(meta.Metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta.Metadata)+1)
	for k, v := range meta.Metadata {
		out[k] = v
	}
	if meta.Reason != "" {
		out["reason"] = meta.Reason
	}
	return out
}

// record publishes events to the sink. Sink failures are logged only.
func (sm *sessionStateMachine) record(ctx context.Context, events ...*ActivityEvent) {
	for _, event := range events {
		if event == nil {
			continue
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = sm.now()
		}
		if err := sm.activitySink.Record(ctx, *event); err != nil {
			sm.logger.Warn("activity sink failed for %s: %v", event.EventType, err)
		}
	}
}
