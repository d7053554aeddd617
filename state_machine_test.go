package authclient

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateMachineAppliesAllowedTransition(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sm := newSessionStateMachine(nil, NopLogger{}, func() time.Time { return now })

	session := &Session{Status: StatusAuthenticated, User: &User{ID: "u-1"}}
	event, err := sm.apply(session, StatusExpiring,
		WithTransitionReason("inactivity"),
		WithTransitionMetadata(map[string]any{"remaining": "2m0s"}),
	)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, StatusExpiring, session.Status)
	assert.Equal(t, ActivityEventSessionStatusChanged, event.EventType)
	assert.Equal(t, StatusAuthenticated, event.FromStatus)
	assert.Equal(t, StatusExpiring, event.ToStatus)
	assert.Equal(t, "u-1", event.UserID)
	assert.Equal(t, now, event.OccurredAt)
	assert.Equal(t, map[string]any{"reason": "inactivity", "remaining": "2m0s"}, event.Metadata)
}

func TestSessionStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newSessionStateMachine(nil, NopLogger{}, nil)

	session := &Session{Status: StatusAnonymous}
	event, err := sm.apply(session, StatusExpiring)
	require.Error(t, err)
	assert.Nil(t, event)
	assert.Equal(t, StatusAnonymous, session.Status)

	var rich *goerrors.Error
	require.True(t, errors.As(err, &rich))
	assert.Equal(t, textCodeInvalidTransition, rich.TextCode)
}

func TestSessionStateMachineSameStatusIsNoop(t *testing.T) {
	sm := newSessionStateMachine(nil, NopLogger{}, nil)

	session := &Session{Status: StatusAuthenticated}
	event, err := sm.apply(session, StatusAuthenticated)
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestSessionStateMachineTable(t *testing.T) {
	sm := newSessionStateMachine(nil, NopLogger{}, nil)

	allowed := map[Status][]Status{
		StatusAnonymous:      {StatusAuthenticating},
		StatusAuthenticating: {StatusAuthenticated, StatusAnonymous},
		StatusAuthenticated:  {StatusExpiring, StatusLoggedOut},
		StatusExpiring:       {StatusAuthenticated, StatusLoggedOut},
		StatusLoggedOut:      {StatusAnonymous},
	}
	all := []Status{StatusAnonymous, StatusAuthenticating, StatusAuthenticated, StatusExpiring, StatusLoggedOut}

	for from, targets := range allowed {
		for _, to := range all {
			if from == to {
				continue
			}
			assert.Equal(t, contains(targets, to), sm.canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSessionStateMachineRecordLogsSinkFailures(t *testing.T) {
	var recorded []ActivityEventType
	sink := ActivitySinkFunc(func(_ context.Context, event ActivityEvent) error {
		recorded = append(recorded, event.EventType)
		return errors.New("sink down")
	})
	sm := newSessionStateMachine(sink, NopLogger{}, nil)

	sm.record(context.Background(),
		nil,
		&ActivityEvent{EventType: ActivityEventLogout},
		&ActivityEvent{EventType: ActivityEventSessionExpired},
	)
	assert.Equal(t, []ActivityEventType{ActivityEventLogout, ActivityEventSessionExpired}, recorded)
}

func contains(list []Status, s Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
