package authclient

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-authclient/clock"
	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/time/rate"
)

const (
	MessagePasswordResetSent = "We have emailed your password reset link."
	MessagePasswordResetDone = "Your password has been reset."
	MessageEmailVerified     = "Your email has been verified."
	MessageVerificationSent  = "A new verification link has been sent to your email address."
	MessageProfileUpdated    = "Profile updated successfully."
	MessagePasswordUpdated   = "Password updated successfully."
)

// DefaultResendLimit mirrors the server throttle of six resends a minute.
var DefaultResendLimit = rate.Every(10 * time.Second)

const DefaultResendBurst = 6

// ErrLoginSuperseded is returned by a login or registration that finished
// after a logout was requested. Its result is discarded.
var ErrLoginSuperseded = goerrors.New("login superseded by logout", goerrors.CategoryConflict).
	WithTextCode("LOGIN_SUPERSEDED").
	WithCode(goerrors.CodeConflict)

// NoticeKind tells failures and confirmations apart
type NoticeKind string

const (
	NoticeError   NoticeKind = "error"
	NoticeSuccess NoticeKind = "success"
)

// Notice is the single message channel for failures and confirmations
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

// IsError reports whether the notice reports a failure.
func (n Notice) IsError() bool { return n.Kind == NoticeError }

func errorNotice(err error) *Notice {
	return &Notice{Kind: NoticeError, Message: MessageOf(err)}
}

func successNotice(message string) *Notice {
	return &Notice{Kind: NoticeSuccess, Message: message}
}

// SessionController owns the session state and runs the login, register,
// logout and hydration flows against the API.
type SessionController struct {
	api         *API
	credentials *CredentialStore
	monitor     *InactivityMonitor
	sm          *sessionStateMachine
	clock       clock.Clock
	logger      Logger
	sink        ActivitySink
	resend      *rate.Limiter

	mu      sync.Mutex
	session Session
	notice  *Notice
	epoch   uint64
	started bool
	baseCtx context.Context
	cancel  context.CancelFunc
	unsubs  []func()

	subsMu  sync.Mutex
	subs    map[int]func(Session)
	nextSub int
}

// ControllerOption customizes a SessionController.
type ControllerOption func(*SessionController)

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger Logger) ControllerOption {
	return func(c *SessionController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithControllerClock injects the clock (useful for tests).
func WithControllerClock(cl clock.Clock) ControllerOption {
	return func(c *SessionController) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithActivitySink sets the ActivitySink used to publish session events.
func WithActivitySink(sink ActivitySink) ControllerOption {
	return func(c *SessionController) {
		c.sink = normalizeActivitySink(sink)
	}
}

// WithResendLimit overrides the client side verification resend limit.
func WithResendLimit(limit rate.Limit, burst int) ControllerOption {
	return func(c *SessionController) {
		if burst > 0 {
			c.resend = rate.NewLimiter(limit, burst)
		}
	}
}

// NewSessionController returns a controller in the anonymous state. A nil
// monitor gets an in-memory one with default timeouts.
func NewSessionController(api *API, monitor *InactivityMonitor, opts ...ControllerOption) *SessionController {
	if monitor == nil {
		monitor = NewInactivityMonitor(nil)
	}

	c := &SessionController{
		api:         api,
		credentials: api.Pipeline().Credentials(),
		monitor:     monitor,
		clock:       clock.Real(),
		logger:      defLogger{},
		sink:        noopActivitySink{},
		resend:      rate.NewLimiter(DefaultResendLimit, DefaultResendBurst),
		session:     Session{Status: StatusAnonymous},
		baseCtx:     context.Background(),
		subs:        map[int]func(Session){},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.sm = newSessionStateMachine(c.sink, c.logger, c.clock.Now)
	return c
}

// Init subscribes to the monitor, the pipeline and credential changes made
// elsewhere, then hydrates the session from a stored credential.
func (c *SessionController) Init(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.Session(), nil
	}
	c.started = true
	c.baseCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	baseCtx := c.baseCtx
	c.mu.Unlock()

	unsubs := []func(){
		c.monitor.OnWarning(c.handleWarning),
		c.monitor.OnExpired(c.handleExpired),
		c.api.Pipeline().OnAuthFailure(c.handleAuthFailure),
	}
	if !c.credentials.Watch(baseCtx, c.handleCredentialChange) {
		c.logger.Debug("credential backends cannot be watched, changes from other processes are not followed")
	}

	c.mu.Lock()
	c.unsubs = unsubs
	c.mu.Unlock()

	return c.GetCurrentUser(ctx)
}

// Close unsubscribes everything and stops the monitor timers. The persisted
// deadline survives for the next Init.
func (c *SessionController) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	cancel := c.cancel
	c.unsubs = nil
	c.cancel = nil
	c.started = false
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	c.monitor.Stop()
}

// Session returns a snapshot of the current session.
func (c *SessionController) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Notice returns the pending notice, if any.
func (c *SessionController) Notice() (Notice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notice == nil {
		return Notice{}, false
	}
	return *c.notice, true
}

// ClearNotice dismisses the pending notice.
func (c *SessionController) ClearNotice() {
	c.mu.Lock()
	c.notice = nil
	c.mu.Unlock()
}

// Monitor returns the inactivity monitor driving forced expiry.
func (c *SessionController) Monitor() *InactivityMonitor {
	return c.monitor
}

// OnChange registers fn for session changes. The returned func unsubscribes.
func (c *SessionController) OnChange(fn func(Session)) func() {
	if fn == nil {
		return func() {}
	}
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// Login authenticates with identifier and secret, stores the credential in
// the durable scope when durable is set and fetches the user. On failure
// the session returns to anonymous and the reason is both returned and
// surfaced as a notice.
func (c *SessionController) Login(ctx context.Context, identifier, secret string, durable bool) (Session, error) {
	c.mu.Lock()
	var events []*ActivityEvent
	if c.session.Status == StatusLoggedOut {
		ev, _ := c.sm.apply(&c.session, StatusAnonymous)
		events = append(events, ev)
	}
	ev, err := c.sm.apply(&c.session, StatusAuthenticating, WithTransitionReason("login"))
	if err != nil {
		c.mu.Unlock()
		return c.Session(), err
	}
	events = append(events, ev)
	c.notice = nil
	epoch := c.epoch
	c.mu.Unlock()
	c.emit(ctx, events...)

	token := ""
	result, err := c.api.Login(ctx, LoginPayload{Email: identifier, Password: secret, Remember: durable})
	if err == nil {
		token = result.Token
		err = c.credentials.Save(ctx, token, durable)
	}

	var user *User
	if err == nil {
		user, err = c.api.CurrentUser(ctx)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		if token != "" {
			c.credentials.ClearIfValue(ctx, token)
		}
		c.logger.Info("login finished after logout, result discarded")
		return c.Session(), ErrLoginSuperseded
	}

	if err != nil {
		c.mu.Unlock()
		c.credentials.Clear(ctx)

		c.mu.Lock()
		c.session.User = nil
		ev, _ = c.sm.apply(&c.session, StatusAnonymous, WithTransitionReason("login failed"))
		c.notice = errorNotice(err)
		snapshot := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Info("login failed: %s", KindOf(err))
		c.emit(ctx, ev, &ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Metadata:  map[string]any{"kind": string(KindOf(err))},
		})
		return snapshot, err
	}

	c.session.User = user
	ev, _ = c.sm.apply(&c.session, StatusAuthenticated, WithTransitionReason("login"))
	c.mu.Unlock()

	c.monitor.Clear(ctx)
	c.monitor.Start(ctx)
	if c.stale(epoch) {
		c.monitor.Clear(ctx)
	}

	c.emit(ctx, ev, &ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		UserID:    user.ID,
		Metadata:  map[string]any{"durable": durable},
	})
	return c.Session(), nil
}

// Register creates an account. The caller stays anonymous; on success a
// notice asks them to verify their email.
func (c *SessionController) Register(ctx context.Context, in RegisterInput) (Notice, error) {
	c.mu.Lock()
	var events []*ActivityEvent
	if c.session.Status == StatusLoggedOut {
		ev, _ := c.sm.apply(&c.session, StatusAnonymous)
		events = append(events, ev)
	}
	ev, err := c.sm.apply(&c.session, StatusAuthenticating, WithTransitionReason("register"))
	if err != nil {
		c.mu.Unlock()
		return Notice{}, err
	}
	events = append(events, ev)
	c.notice = nil
	epoch := c.epoch
	c.mu.Unlock()
	c.emit(ctx, events...)

	err = c.api.Register(ctx, in)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return Notice{}, ErrLoginSuperseded
	}

	ev, _ = c.sm.apply(&c.session, StatusAnonymous, WithTransitionReason("register"))
	if err != nil {
		c.notice = errorNotice(err)
	} else {
		c.notice = successNotice(MessageRegistrationSucceeded)
	}
	notice := *c.notice
	c.mu.Unlock()

	events = []*ActivityEvent{ev}
	if err == nil {
		events = append(events, &ActivityEvent{
			EventType: ActivityEventRegistered,
			Metadata:  map[string]any{"email": in.Email},
		})
	}
	c.emit(ctx, events...)
	return notice, err
}

// Logout tells the server, best effort, then clears the credential and the
// inactivity deadline and resets to anonymous. Server failures are logged
// and never returned.
func (c *SessionController) Logout(ctx context.Context) error {
	c.endSession(ctx, "logout", true, nil)
	return nil
}

// GetCurrentUser hydrates the session from a stored credential. A stale
// credential is cleared quietly: the session stays anonymous, no notice is
// set and no error is returned.
func (c *SessionController) GetCurrentUser(ctx context.Context) (Session, error) {
	if _, ok := c.credentials.Load(ctx); !ok {
		return c.Session(), nil
	}

	c.mu.Lock()
	switch c.session.Status {
	case StatusAuthenticated, StatusExpiring:
		c.mu.Unlock()
		return c.refreshUser(ctx)
	case StatusAuthenticating:
		c.mu.Unlock()
		return c.Session(), nil
	}

	var events []*ActivityEvent
	if c.session.Status == StatusLoggedOut {
		ev, _ := c.sm.apply(&c.session, StatusAnonymous)
		events = append(events, ev)
	}
	ev, err := c.sm.apply(&c.session, StatusAuthenticating, WithTransitionReason("hydrate"))
	if err != nil {
		c.mu.Unlock()
		return c.Session(), err
	}
	events = append(events, ev)
	epoch := c.epoch
	c.mu.Unlock()
	c.emit(ctx, events...)

	user, err := c.api.CurrentUser(ctx)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.Session(), nil
	}

	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("stored credential rejected, staying anonymous: %v", err)
		c.credentials.Clear(ctx)

		c.mu.Lock()
		c.session.User = nil
		ev, _ = c.sm.apply(&c.session, StatusAnonymous, WithTransitionReason("hydrate failed"))
		snapshot := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(ctx, ev)
		return snapshot, nil
	}

	c.session.User = user
	ev, _ = c.sm.apply(&c.session, StatusAuthenticated, WithTransitionReason("hydrate"))
	c.mu.Unlock()
	c.emit(ctx, ev)

	c.monitor.Start(ctx)
	return c.Session(), nil
}

// RecordActivity forwards a user interaction to the inactivity monitor.
func (c *SessionController) RecordActivity(ctx context.Context, kind ActivityKind) {
	c.mu.Lock()
	status := c.session.Status
	c.mu.Unlock()

	if status == StatusAuthenticated {
		c.monitor.RecordActivity(ctx, kind)
	}
}

// ContinueSession acknowledges the expiry warning and restarts the timeout.
func (c *SessionController) ContinueSession(ctx context.Context) error {
	c.mu.Lock()
	if status := c.session.Status; status != StatusExpiring {
		c.mu.Unlock()
		if status == StatusAuthenticated {
			return nil
		}
		return invalidTransition(map[string]any{
			"from": status,
			"to":   StatusAuthenticated,
		})
	}
	ev, err := c.sm.apply(&c.session, StatusAuthenticated, WithTransitionReason("continue"))
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.monitor.Continue(ctx)
	c.emit(ctx, ev)
	return nil
}

// ForgotPassword requests a password reset email.
func (c *SessionController) ForgotPassword(ctx context.Context, email string) error {
	err := c.api.ForgotPassword(ctx, email)
	c.report(err, MessagePasswordResetSent)
	return err
}

// ResetPassword completes a password reset.
func (c *SessionController) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	err := c.api.ResetPassword(ctx, in)
	c.report(err, MessagePasswordResetDone)
	return err
}

// VerifyEmail follows a verification link. A signed in user is refetched to
// pick up the verification time.
func (c *SessionController) VerifyEmail(ctx context.Context, in VerifyEmailInput) error {
	err := c.api.VerifyEmail(ctx, in)
	c.report(err, MessageEmailVerified)
	if err == nil && c.Session().IsAuthenticated() {
		if _, refreshErr := c.refreshUser(ctx); refreshErr != nil {
			c.logger.Debug("user refresh after verification failed: %v", refreshErr)
		}
	}
	return err
}

// ResendVerification asks for a new verification email, limited client side
// to the server's throttle.
func (c *SessionController) ResendVerification(ctx context.Context) error {
	now := c.clock.Now()
	reservation := c.resend.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); !reservation.OK() || delay > 0 {
		reservation.CancelAt(now)
		err := &RequestError{
			Kind:       KindRateLimited,
			Message:    MessageRateLimited,
			RetryAfter: delay,
		}
		c.report(err, "")
		return err
	}

	err := c.api.ResendVerification(ctx)
	c.report(err, MessageVerificationSent)
	return err
}

// Profile fetches the profile and refreshes the cached user.
func (c *SessionController) Profile(ctx context.Context) (*User, error) {
	user, err := c.api.Profile(ctx)
	if err != nil {
		return nil, err
	}
	c.replaceUser(user)
	return user, nil
}

// UpdateProfile saves profile changes and replaces the cached user.
func (c *SessionController) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	user, err := c.api.UpdateProfile(ctx, update)
	c.report(err, MessageProfileUpdated)
	if err != nil {
		return nil, err
	}

	c.replaceUser(user)
	c.emit(ctx, &ActivityEvent{EventType: ActivityEventProfileUpdated, UserID: user.ID})
	return user, nil
}

// UpdatePassword changes the password. A wrong current password is reported
// as a Forbidden error and leaves the credential alone.
func (c *SessionController) UpdatePassword(ctx context.Context, update PasswordUpdate) error {
	err := c.api.UpdatePassword(ctx, update)
	c.report(err, MessagePasswordUpdated)
	if err == nil {
		c.emit(ctx, &ActivityEvent{EventType: ActivityEventPasswordChanged, UserID: c.userID()})
	}
	return err
}

func (c *SessionController) refreshUser(ctx context.Context) (Session, error) {
	user, err := c.api.CurrentUser(ctx)
	if err != nil {
		return c.Session(), err
	}
	c.replaceUser(user)
	return c.Session(), nil
}

// endSession tears the session down. The server is told only when
// notifyServer is set and a credential is still held.
func (c *SessionController) endSession(ctx context.Context, reason string, notifyServer bool, notice *Notice) {
	c.mu.Lock()
	c.epoch++
	var events []*ActivityEvent
	from := c.session.Status
	userID := ""
	if c.session.User != nil {
		userID = c.session.User.ID
	}

	switch from {
	case StatusAuthenticated, StatusExpiring:
		ev, _ := c.sm.apply(&c.session, StatusLoggedOut, WithTransitionReason(reason))
		events = append(events, ev)
	case StatusAuthenticating:
		ev, _ := c.sm.apply(&c.session, StatusAnonymous, WithTransitionReason(reason))
		events = append(events, ev)
	}
	c.mu.Unlock()

	if notifyServer {
		if _, ok := c.credentials.Load(ctx); ok {
			if err := c.api.Logout(ctx); err != nil {
				c.logger.Warn("server logout failed: %v", err)
			}
		}
	}

	c.credentials.Clear(ctx)
	c.monitor.Clear(ctx)

	c.mu.Lock()
	c.session.User = nil
	if c.session.Status == StatusLoggedOut {
		ev, _ := c.sm.apply(&c.session, StatusAnonymous, WithTransitionReason(reason))
		events = append(events, ev)
	}
	if notice != nil {
		c.notice = notice
	}
	c.mu.Unlock()

	if from == StatusAuthenticated || from == StatusExpiring {
		c.logger.Info("session ended: %s", reason)
		events = append(events, &ActivityEvent{
			EventType: ActivityEventLogout,
			UserID:    userID,
			Metadata:  map[string]any{"reason": reason},
		})
	}
	c.emit(ctx, events...)
}

func (c *SessionController) handleWarning(remaining time.Duration) {
	c.mu.Lock()
	if c.session.Status != StatusAuthenticated {
		c.mu.Unlock()
		return
	}
	ev, _ := c.sm.apply(&c.session, StatusExpiring, WithTransitionMetadata(map[string]any{
		"remaining": remaining.String(),
	}))
	ctx := c.baseCtx
	c.mu.Unlock()

	c.emit(ctx, ev)
}

func (c *SessionController) handleExpired() {
	ctx := c.lifecycleContext()
	if !c.Session().IsAuthenticated() {
		return
	}
	c.emit(ctx, &ActivityEvent{EventType: ActivityEventSessionExpired, UserID: c.userID()})
	c.endSession(ctx, "inactivity", true, &Notice{Kind: NoticeError, Message: MessageInactivityLogout})
}

func (c *SessionController) handleAuthFailure(err *RequestError) {
	if err == nil || !c.Session().IsAuthenticated() {
		return
	}
	if err.Kind == KindInvalidCredentials {
		return
	}
	c.endSession(c.lifecycleContext(), string(err.Kind), false, errorNotice(err))
}

// handleCredentialChange follows a login or logout made by another process
// sharing the credential backend.
func (c *SessionController) handleCredentialChange() {
	ctx := c.lifecycleContext()
	_, present := c.credentials.Load(ctx)
	session := c.Session()

	switch {
	case !present && session.IsAuthenticated():
		c.endSession(ctx, "credential removed", false, nil)
	case present && session.Status == StatusAnonymous:
		if _, err := c.GetCurrentUser(ctx); err != nil {
			c.logger.Debug("hydration after credential change failed: %v", err)
		}
	}
}

func (c *SessionController) report(err error, success string) {
	c.mu.Lock()
	switch {
	case err != nil:
		c.notice = errorNotice(err)
	case success != "":
		c.notice = successNotice(success)
	}
	c.mu.Unlock()
}

func (c *SessionController) replaceUser(user *User) {
	if user == nil {
		return
	}
	c.mu.Lock()
	if !c.session.IsAuthenticated() {
		c.mu.Unlock()
		return
	}
	copied := *user
	c.session.User = &copied
	c.mu.Unlock()

	c.notifyChange()
}

func (c *SessionController) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.User == nil {
		return ""
	}
	return c.session.User.ID
}

func (c *SessionController) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

func (c *SessionController) lifecycleContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

func (c *SessionController) snapshotLocked() Session {
	snapshot := Session{Status: c.session.Status}
	if c.session.User != nil {
		user := *c.session.User
		snapshot.User = &user
	}
	return snapshot
}

// emit records events and notifies change subscribers when a status
// changed. It must be called without holding c.mu.
func (c *SessionController) emit(ctx context.Context, events ...*ActivityEvent) {
	changed := false
	for _, event := range events {
		if event != nil && event.EventType == ActivityEventSessionStatusChanged {
			changed = true
		}
	}
	c.sm.record(ctx, events...)
	if changed {
		c.notifyChange()
	}
}

func (c *SessionController) notifyChange() {
	snapshot := c.Session()

	c.subsMu.Lock()
	fns := make([]func(Session), 0, len(c.subs))
	for _, id := range sortedIDs(c.subs) {
		fns = append(fns, c.subs[id])
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
